package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexmem/internal/config"
	"github.com/normanking/cortexmem/internal/metrics"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var runNow []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled maintenance and the metrics endpoint",
		Long: `Run the archive pass, graph rebuilds and model retraining on their
configured schedules until interrupted. When metrics are enabled, Prometheus
metrics are served on metrics.addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *metrics.Metrics
			if cfg.Metrics.Enabled {
				m = metrics.New()
			}
			e, cleanup, err := openEngine(m)
			if err != nil {
				return err
			}
			defer cleanup()

			sched, err := e.Scheduler()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for _, name := range runNow {
				if _, err := sched.Run(ctx, name); err != nil {
					log.Warn().Err(err).Str("job", name).Msg("Startup job finished with errors")
				}
			}

			var srv *http.Server
			if m != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				srv = &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Str("addr", srv.Addr).Msg("Metrics server failed")
						stop()
					}
				}()
				log.Info().Str("addr", srv.Addr).Msg("Serving metrics")
			}

			sched.Start()
			jobs := sched.Jobs()
			names := make([]string, 0, len(jobs))
			for name := range jobs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				next := "unscheduled"
				if !jobs[name].IsZero() {
					next = jobs[name].Local().Format("2006-01-02 15:04")
				}
				log.Info().Str("job", name).Str("next", next).Msg("Job ready")
			}

			<-ctx.Done()
			log.Info().Msg("Shutting down")
			sched.Stop()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Metrics server shutdown")
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&runNow, "run", nil, "jobs to run once at startup (archive, graph, retrain)")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ok, err := printJSON(cfg); ok {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Fprint(stdout, string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				fmt.Fprintln(stdout, cfgPath)
				return nil
			}
			path, err := config.DefaultPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Configuration is valid\n", okStyle.Render("✓"))
			return nil
		},
	})

	return cmd
}
