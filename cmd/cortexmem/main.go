// Package main is the entry point for the cortexmem CLI.
// cortexmem is a local-first memory engine shared by AI agents: memories are
// stored per profile, writes are gated by agent trust, related memories are
// linked in a knowledge graph and recall is ranked by a model that learns
// from feedback.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexmem/internal/config"
	"github.com/normanking/cortexmem/internal/engine"
	"github.com/normanking/cortexmem/internal/logging"
	"github.com/normanking/cortexmem/internal/metrics"
)

var (
	version     = "0.1.0"
	cfgPath     string
	profileName string
	agentID     string
	verbose     bool
	jsonOutput  bool
	noColor     bool

	cfg       *config.Config
	logCloser io.Closer = io.NopCloser(nil)

	// stdout receives command output; it follows the root command's writer.
	stdout io.Writer = os.Stdout
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortexmem",
		Short: "cortexmem - local-first shared memory for AI agents",
		Long: `cortexmem stores what your agents learn and hands it back when it matters:
  • Per-profile SQLite stores with a single serialized writer
  • Bayesian trust scores gating every agent write
  • A knowledge graph of related memories and their clusters
  • Ranking that learns from feedback, from rules to a LambdaMART model

Remember something:   cortexmem remember "use pgx for postgres"
Recall:               cortexmem search postgres driver
Run maintenance:      cortexmem serve`,
		SilenceUsage:       true,
		PersistentPreRunE:  initRuntime,
		PersistentPostRunE: closeRuntime,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortexmem/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "profile to operate on (default: active profile)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "cli", "agent identity for writes and recalls")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "cortexmem v%s\n", version)
		},
	})

	// Memories
	rootCmd.AddCommand(rememberCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(forgetCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(deadLettersCmd())

	// Engines
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(graphCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(rankingCmd())

	// Runtime
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())

	return rootCmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUNTIME INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initRuntime(cmd *cobra.Command, args []string) error {
	stdout = cmd.OutOrStdout()
	if noColor || jsonOutput {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := cfg.Logging.ToLogging(verbose)
	// Console logs would interleave with command output; keep them for
	// serve and verbose runs.
	logCfg.Quiet = !verbose && cmd.Name() != "serve"
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	closer, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logCloser = closer

	log.Debug().
		Str("command", cmd.CommandPath()).
		Str("data_dir", cfg.Storage.DataDir).
		Str("config", cfgPath).
		Msg("cortexmem started")
	return nil
}

func closeRuntime(cmd *cobra.Command, args []string) error {
	return logCloser.Close()
}

// openEngine opens the configured data directory. The returned cleanup
// closes it.
func openEngine(m *metrics.Metrics) (*engine.Engine, func(), error) {
	e, err := engine.Open(cfg, engine.Options{Metrics: m})
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	for _, w := range e.Warnings() {
		fmt.Fprintln(os.Stderr, warnStyle.Render("warning: ")+w.Error())
	}
	cleanup := func() {
		if err := e.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close engine")
		}
	}
	return e, cleanup, nil
}

// printJSON writes v as indented JSON and reports whether JSON output is on.
func printJSON(v any) (bool, error) {
	if !jsonOutput {
		return false, nil
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}
