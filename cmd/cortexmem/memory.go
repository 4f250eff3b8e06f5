package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/engine"
	"github.com/normanking/cortexmem/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REMEMBER / SEARCH
// ═══════════════════════════════════════════════════════════════════════════════

func rememberCmd() *cobra.Command {
	var (
		tags       []string
		importance int
		project    string
		category   string
	)
	cmd := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a memory",
		Long: `Store a memory in the current profile.

Examples:
  cortexmem remember "billing-api uses pgx with a 20 connection pool"
  cortexmem remember --tag postgres --importance 8 "never run migrations on Fridays"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := e.Write(cmd.Context(), types.MemoryDraft{
				Content:    strings.Join(args, " "),
				ProfileID:  profileName,
				Tags:       tags,
				Importance: importance,
				Project:    project,
				Category:   category,
				AgentID:    agentID,
				Protocol:   "cli",
			})
			if err != nil {
				return err
			}
			if ok, err := printJSON(m); ok {
				return err
			}
			fmt.Fprintf(stdout, "%s Remembered %s in %s\n", okStyle.Render("✓"), idStyle.Render(m.ID), m.ProfileID)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag (repeatable)")
	cmd.Flags().IntVarP(&importance, "importance", "i", 0, "importance 1-10 (default 5)")
	cmd.Flags().StringVar(&project, "project", "", "project the memory belongs to")
	cmd.Flags().StringVar(&category, "category", "", "activity category (inferred when empty)")
	return cmd
}

func searchCmd() *cobra.Command {
	var (
		tags    []string
		project string
		limit   int
		all     bool
	)
	cmd := &cobra.Command{
		Use:     "search [query]",
		Aliases: []string{"recall"},
		Short:   "Recall memories ranked for the current context",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			wd, _ := os.Getwd()
			req := engine.SearchRequest{
				Profile: profileName,
				Query:   strings.Join(args, " "),
				Tags:    tags,
				Project: project,
				Path:    wd,
				AgentID: agentID,
				Limit:   limit,
			}
			if all {
				req.Tiers = []types.Tier{types.TierActive, types.TierWarm, types.TierCold}
			}
			res, err := e.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			if ok, err := printJSON(res); ok {
				return err
			}

			if len(res.Memories) == 0 {
				fmt.Fprintf(stdout, "No memories found for: %s\n", req.Query)
				return nil
			}
			header := fmt.Sprintf("%d results · phase %s", len(res.Memories), res.Phase)
			if res.Project != "" {
				header += " · project " + res.Project
			}
			fmt.Fprintln(stdout, title(header))
			for i, sm := range res.Memories {
				printMemory(i+1, sm.Memory, &sm.Score)
			}
			if res.Warning != nil {
				fmt.Fprintln(stdout, warnStyle.Render("warning: " + res.Warning.Error()))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "only memories with this tag (repeatable)")
	cmd.Flags().StringVar(&project, "project", "", "project context (default: inferred from the working directory)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum results")
	cmd.Flags().BoolVar(&all, "all", false, "include cold memories")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a memory and its tier history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			m, err := e.Get(ctx, profileName, args[0])
			if err != nil {
				return err
			}
			history, err := e.Transitions(ctx, profileName, m.ID)
			if err != nil {
				return err
			}
			if ok, err := printJSON(map[string]any{"memory": m, "transitions": history}); ok {
				return err
			}

			fmt.Fprintln(stdout, title("Memory " + m.ID))
			fmt.Fprintln(stdout, field("Profile", m.ProfileID))
			fmt.Fprintln(stdout, field("Tier", tier(m.Tier)))
			fmt.Fprintln(stdout, field("Importance", m.Importance))
			fmt.Fprintln(stdout, field("Project", m.Project))
			fmt.Fprintln(stdout, field("Category", m.Category))
			fmt.Fprintln(stdout, field("Tags", strings.Join(m.Tags, ", ")))
			fmt.Fprintln(stdout, field("Author", m.Provenance.AgentID))
			fmt.Fprintln(stdout, field("Created", m.CreatedAt.Local().Format("2006-01-02 15:04")))
			fmt.Fprintln(stdout, field("Accessed", fmt.Sprintf("%d times, last %s", m.AccessCount, ago(m.LastAccessed))))
			if m.ClusterID != "" {
				fmt.Fprintln(stdout, field("Cluster", m.ClusterID))
			}
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, m.Content)
			for _, t := range history {
				fmt.Fprintf(stdout, "%s %s → %s (%d → %d bytes)\n",
					labelStyle.Render(t.At.Local().Format("2006-01-02")), t.From, t.To, t.OriginalSize, t.CompressedSize)
			}
			return nil
		},
	}
}

func forgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [id]",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := e.Delete(cmd.Context(), profileName, args[0], agentID); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s Forgot %s\n", okStyle.Render("✓"), idStyle.Render(args[0]))
			return nil
		},
	}
}

func tagCmd() *cobra.Command {
	var (
		tags       []string
		importance int
		project    string
		category   string
	)
	cmd := &cobra.Command{
		Use:   "tag [id]",
		Short: "Change a memory's tags, importance, project or category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch data.Patch
			flags := cmd.Flags()
			if flags.Changed("tag") {
				patch.Tags = tags
			}
			if flags.Changed("importance") {
				patch.Importance = &importance
			}
			if flags.Changed("project") {
				patch.Project = &project
			}
			if flags.Changed("category") {
				patch.Category = &category
			}

			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := e.Update(cmd.Context(), profileName, args[0], patch)
			if err != nil {
				return err
			}
			if ok, err := printJSON(m); ok {
				return err
			}
			printMemory(0, *m, nil)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "replace tags (repeatable)")
	cmd.Flags().IntVarP(&importance, "importance", "i", 5, "importance 1-10")
	cmd.Flags().StringVar(&project, "project", "", "project")
	cmd.Flags().StringVar(&category, "category", "", "activity category")
	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// ARCHIVE
// ═══════════════════════════════════════════════════════════════════════════════

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Run the archive tier pass on the profile now",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := e.ArchiveTierPass(cmd.Context(), profileName)
			if err != nil {
				return err
			}
			if ok, err := printJSON(report); ok {
				return err
			}
			fmt.Fprintf(stdout, "%s %s: %d warmed, %d cooled\n", okStyle.Render("✓"), report.ProfileID, report.Warmed, report.Cooled)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore an archived memory to the active tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := e.Restore(cmd.Context(), profileName, args[0])
			if err != nil {
				return err
			}
			if ok, err := printJSON(m); ok {
				return err
			}
			fmt.Fprintf(stdout, "%s Restored %s\n", okStyle.Render("✓"), idStyle.Render(m.ID))
			return nil
		},
	}
}

func deadLettersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List writes that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine(nil)
			if err != nil {
				return err
			}
			defer cleanup()

			letters, err := e.DeadLetters(cmd.Context(), profileName, limit)
			if err != nil {
				return err
			}
			if ok, err := printJSON(letters); ok {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(stdout, "No dead letters.")
				return nil
			}
			for _, dl := range letters {
				fmt.Fprintf(stdout, "%s  %s  %s after %d attempts\n", idStyle.Render(dl.ID),
					labelStyle.Render(dl.CreatedAt.Local().Format("2006-01-02 15:04")), dl.Operation, dl.Attempts)
				fmt.Fprintf(stdout, "   %s\n", errorStyle.Render(truncate(dl.Error, 100)))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries")
	return cmd
}
