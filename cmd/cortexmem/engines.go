package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexmem/internal/fingerprint"
	"github.com/normanking/cortexmem/internal/ranking"
	"github.com/normanking/cortexmem/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROFILE COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage memory profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			infos, err := e.ListProfiles(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := printJSON(infos); ok {
				return err
			}
			fmt.Fprintln(stdout, title("Profiles"))
			for _, p := range infos {
				marker := "  "
				if p.Active {
					marker = okStyle.Render("● ")
				}
				fmt.Fprintf(stdout, "%s%-16s %s\n", marker, p.Name, labelStyle.Render(fmt.Sprintf("%d memories", p.MemoryCount)))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Create an empty profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.CreateProfile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Created profile %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "switch [name]",
		Short: "Make a profile active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.SwitchProfile(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Active profile is now %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a profile, moving its memories into the default profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := e.DeleteProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Deleted profile %s (%d memories moved to %s)\n",
				okStyle.Render("✓"), args[0], n, types.DefaultProfile)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "detect [dir]",
		Short: "Show the project detected for a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := os.Getwd()
			if len(args) == 1 {
				dir = args[0]
			}
			p, err := fingerprint.NewFingerprinter().DetectProject(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if ok, err := printJSON(p); ok {
				return err
			}
			fmt.Fprintln(stdout, p.Summary())
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// GRAPH COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Build and explore the knowledge graph",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Rebuild the profile's graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := e.Build(cmd.Context(), profileName)
			if err != nil {
				return err
			}
			if ok, err := printJSON(report); ok {
				return err
			}
			resumed := ""
			if report.Resumed {
				resumed = " (resumed)"
			}
			fmt.Fprintf(stdout, "%s Generation %d%s: %d nodes, %d edges, %d clusters in %s\n",
				okStyle.Render("✓"), report.Generation, resumed,
				report.NodeCount, report.EdgeCount, report.ClusterCount, report.Duration.Round(time.Millisecond))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Describe the current graph generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := e.Stats(cmd.Context(), profileName)
			if err != nil {
				return err
			}
			if ok, err := printJSON(st); ok {
				return err
			}
			fmt.Fprintln(stdout, title("Graph " + st.ProfileID))
			if st.Generation == 0 {
				fmt.Fprintln(stdout, "No graph built yet. Run: cortexmem graph build")
				return nil
			}
			fmt.Fprintln(stdout, field("Generation", st.Generation))
			fmt.Fprintln(stdout, field("Built", ago(st.BuiltAt)))
			fmt.Fprintln(stdout, field("Nodes", st.NodeCount))
			fmt.Fprintln(stdout, field("Edges", st.EdgeCount))
			fmt.Fprintln(stdout, field("Clusters", st.ClusterCount))
			for _, c := range st.Clusters {
				if c.Depth > 0 {
					continue
				}
				fmt.Fprintf(stdout, "  %s %s %s\n", idStyle.Render(c.ID), c.Name,
					labelStyle.Render(fmt.Sprintf("(%d members)", len(c.MemberIDs))))
			}
			return nil
		},
	})

	var depth int
	related := &cobra.Command{
		Use:   "related [id]",
		Short: "List memories related to a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			rel, err := e.Related(cmd.Context(), profileName, args[0], depth)
			if err != nil {
				return err
			}
			if ok, err := printJSON(rel); ok {
				return err
			}
			if len(rel) == 0 {
				fmt.Fprintln(stdout, "No related memories.")
				return nil
			}
			for _, r := range rel {
				fmt.Fprintf(stdout, "%s  %s %s\n", idStyle.Render(r.MemoryID),
					labelStyle.Render(fmt.Sprintf("%d hop · %s · %.2f", r.Hops, r.Relationship, r.Weight)),
					strings.Join(r.SharedEntities, ", "))
			}
			return nil
		},
	}
	related.Flags().IntVarP(&depth, "depth", "d", 1, "maximum hops")
	cmd.AddCommand(related)

	cmd.AddCommand(&cobra.Command{
		Use:   "members [cluster-id]",
		Short: "Show a cluster and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			c, err := e.ClusterMembers(ctx, profileName, args[0])
			if err != nil {
				return err
			}
			if ok, err := printJSON(c); ok {
				return err
			}
			fmt.Fprintln(stdout, title(fmt.Sprintf("%s (%s)", c.Name, c.ID)))
			fmt.Fprintln(stdout, field("Entities", strings.Join(c.TopEntities, ", ")))
			fmt.Fprintln(stdout, field("Importance", fmt.Sprintf("%.1f avg", c.AvgImportance)))
			members, err := e.Read(ctx, types.QueryFilter{ProfileID: profileName, IDs: c.MemberIDs})
			if err != nil {
				return err
			}
			for _, m := range members {
				printMemory(0, m, nil)
			}
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRUST COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and manage agent trust",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "agents",
		Short: "List known agents and their scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			agents, err := e.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := printJSON(agents); ok {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(stdout, "No agents seen yet.")
				return nil
			}
			fmt.Fprintln(stdout, title("Agents"))
			threshold := cfg.Trust.DenyBelow
			for _, a := range agents {
				score := fmt.Sprintf("%.3f", a.TrustScore)
				if a.TrustScore < threshold {
					score = errorStyle.Render(score)
				} else {
					score = okStyle.Render(score)
				}
				fmt.Fprintf(stdout, "%-20s %s  %s\n", a.ID, score, labelStyle.Render(fmt.Sprintf(
					"+%.2f/-%.2f · %d writes · %d recalls · seen %s",
					a.PositiveEvidence, a.NegativeEvidence, a.WritesCount, a.RecallsCount, ago(a.LastSeen))))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "score [agent]",
		Short: "Show an agent's score and recent evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			score, err := e.Score(ctx, args[0])
			if err != nil {
				return err
			}
			signals, err := e.Signals(ctx, args[0])
			if err != nil {
				return err
			}
			if ok, err := printJSON(map[string]any{"agent_id": args[0], "score": score, "signals": signals}); ok {
				return err
			}
			fmt.Fprintln(stdout, field("Score", fmt.Sprintf("%.3f", score)))
			for i, s := range signals {
				if i == 10 {
					fmt.Fprintln(stdout, labelStyle.Render(fmt.Sprintf("... %d more", len(signals)-10)))
					break
				}
				sign := errorStyle.Render("-")
				if s.Kind.Positive() {
					sign = okStyle.Render("+")
				}
				fmt.Fprintf(stdout, "%s %-26s %.2f  %s\n", sign, s.Kind, s.Weight, labelStyle.Render(ago(s.Timestamp)))
			}
			return nil
		},
	})

	var (
		kind   string
		weight float64
	)
	signal := &cobra.Command{
		Use:   "signal [agent]",
		Short: "Record trust evidence for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if err := e.RecordSignal(ctx, types.TrustSignal{AgentID: args[0], Kind: types.SignalKind(kind), Weight: weight}); err != nil {
				return err
			}
			score, err := e.Score(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Recorded %s, score now %.3f\n", okStyle.Render("✓"), kind, score)
			return nil
		},
	}
	signal.Flags().StringVarP(&kind, "kind", "k", string(types.SignalAdminVouch), "signal kind")
	signal.Flags().Float64VarP(&weight, "weight", "w", 0, "evidence weight (default: configured weight for the kind)")
	cmd.AddCommand(signal)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset [agent]",
		Short: "Discard an agent's evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.ResetAgent(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Reset %s\n", okStyle.Render("✓"), args[0])
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// RANKING COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func feedbackCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "feedback [memory-id] [thumbs_up|thumbs_down|pin|click|dwell_time] [value]",
		Short: "Rate a recalled memory",
		Long: `Rate a recalled memory. Ratings train the ranking model and count
toward the trust of the memory's author.

Examples:
  cortexmem feedback 0b9e... thumbs_up --query "postgres driver"
  cortexmem feedback 0b9e... dwell_time 45`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sig := types.FeedbackSignal{
				MemoryID: args[0],
				ActorID:  agentID,
				Kind:     types.FeedbackKind(args[1]),
			}
			if !sig.Kind.Valid() {
				return fmt.Errorf("unknown feedback kind %q", args[1])
			}
			if len(args) == 3 {
				v, err := strconv.ParseFloat(args[2], 64)
				if err != nil {
					return fmt.Errorf("invalid value %q: %w", args[2], err)
				}
				sig.Value = v
			}
			if query != "" {
				sig.QueryFingerprint = ranking.Fingerprint(query)
			}

			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			phase, err := e.RecordFeedback(cmd.Context(), profileName, sig)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Recorded %s (phase %s)\n", okStyle.Render("✓"), sig.Kind, phase)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "query the memory was recalled for")
	return cmd
}

func rankingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranking",
		Short: "Inspect and train the adaptive ranker",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "phase",
		Short: "Show the profile's ranking phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			phase, err := e.Phase(cmd.Context(), profileName)
			if err != nil {
				return err
			}
			if ok, err := printJSON(map[string]any{"phase": phase}); ok {
				return err
			}
			fmt.Fprintln(stdout, field("Phase", phase))
			return nil
		},
	})

	var n int
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed synthetic feedback from the most important memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			added, err := e.Bootstrap(cmd.Context(), profileName, n)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Added %d synthetic signals\n", okStyle.Render("✓"), added)
			return nil
		},
	}
	bootstrap.Flags().IntVarP(&n, "count", "n", 50, "signals to add")
	cmd.AddCommand(bootstrap)

	cmd.AddCommand(&cobra.Command{
		Use:   "retrain",
		Short: "Refresh learned patterns and fit a new model",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := e.Retrain(cmd.Context(), profileName)
			if err != nil {
				return err
			}
			if ok, err := printJSON(report); ok {
				return err
			}
			fmt.Fprintf(stdout, "%s Model v%d: %d trees from %d pairs over %d queries, %d workflow patterns\n",
				okStyle.Render("✓"), report.Version, report.Trees, report.Pairs, report.Queries, report.WorkflowPatterns)
			return nil
		},
	})

	var patternType string
	patterns := &cobra.Command{
		Use:   "patterns",
		Short: "List learned patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := e.Patterns(cmd.Context(), profileName, patternType)
			if err != nil {
				return err
			}
			if ok, err := printJSON(list); ok {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(stdout, "No patterns learned yet.")
				return nil
			}
			for _, p := range list {
				scope := p.Project
				if scope == "" {
					scope = "*"
				}
				fmt.Fprintf(stdout, "%-16s %-10s %s = %s %s\n", p.PatternType, scope, p.Key, p.Value,
					labelStyle.Render(fmt.Sprintf("(%.2f, %d seen)", p.Confidence, p.EvidenceCount)))
			}
			return nil
		},
	}
	patterns.Flags().StringVar(&patternType, "type", "", "pattern type (tech_preference, workflow)")
	cmd.AddCommand(patterns)

	var limit int
	history := &cobra.Command{
		Use:   "feedback",
		Short: "Show recent feedback",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			log, err := e.Feedback(cmd.Context(), profileName, limit)
			if err != nil {
				return err
			}
			if ok, err := printJSON(log); ok {
				return err
			}
			for _, f := range log {
				synthetic := ""
				if f.Synthetic {
					synthetic = labelStyle.Render(" synthetic")
				}
				fmt.Fprintf(stdout, "%s %-12s %s %s%s\n", idStyle.Render(f.MemoryID), f.Kind, f.ActorID,
					labelStyle.Render(ago(f.Timestamp)), synthetic)
			}
			return nil
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	cmd.AddCommand(history)

	return cmd
}
