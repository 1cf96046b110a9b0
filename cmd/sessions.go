package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawcast/internal/query"
	"github.com/nextlevelbuilder/clawcast/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage recorded sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsSearchCmd())
	cmd.AddCommand(sessionsExportCmd())
	cmd.AddCommand(sessionsTreeCmd())
	cmd.AddCommand(sessionsStatsCmd())
	cmd.AddCommand(sessionsCleanupCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list <instance>",
		Short: "List an instance's sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := q.ListSessions(status, limit, offset)
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s  depth=%d  %s\n",
					s.SessionID, s.Status, s.Depth, firstLine(s.InitialPrompt, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "max sessions to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many sessions")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	var (
		withMessages bool
		messageLimit int
	)
	cmd := &cobra.Command{
		Use:   "show <instance> <session-id>",
		Short: "Show one session's details",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()

			details, err := q.GetSessionDetails(args[1], withMessages, messageLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(details)
		},
	}
	cmd.Flags().BoolVar(&withMessages, "messages", false, "include recorded messages")
	cmd.Flags().IntVar(&messageLimit, "message-limit", 0, "max messages to include (0 = all)")
	return cmd
}

func sessionsSearchCmd() *cobra.Command {
	var (
		field string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search <instance> <query>",
		Short: "Search sessions by prompt or result text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := q.SearchSessions(args[1], field, limit)
			if err != nil {
				return err
			}
			for _, s := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-11s  %s\n",
					s.SessionID, s.Status, firstLine(s.InitialPrompt, 60))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&field, "field", query.SearchFieldInitialPrompt, "field to search: initial_prompt or result")
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	return cmd
}

func sessionsExportCmd() *cobra.Command {
	var (
		format       string
		withMessages bool
	)
	cmd := &cobra.Command{
		Use:   "export <instance> <session-id> <output-path>",
		Short: "Export a session as json, jsonl or text",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()
			return q.ExportSession(args[1], args[2], format, withMessages)
		},
	}
	cmd.Flags().StringVar(&format, "format", query.ExportJSON, "json, jsonl or text")
	cmd.Flags().BoolVar(&withMessages, "messages", true, "include messages in json export")
	return cmd
}

func sessionsTreeCmd() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "tree <instance> <session-id>",
		Short: "Print the parent/child session tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()

			tree, err := q.BuildSessionTree(args[1], "", false, maxDepth)
			if err != nil {
				return err
			}
			for _, node := range query.FlattenTree(tree) {
				indent := strings.Repeat("  ", node.Depth)
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s  [%s] %s (%d msgs)\n",
					indent, node.SessionID, node.Metadata.Status,
					node.InstanceName, node.Statistics.NumMessages)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 10, "maximum tree depth")
	return cmd
}

func sessionsStatsCmd() *cobra.Command {
	var recentDays int
	cmd := &cobra.Command{
		Use:   "stats <instance>",
		Short: "Aggregate session statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, cleanup, err := newQuery(cmd, args[0], false)
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := q.GetStatisticsSummary(recentDays)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().IntVar(&recentDays, "days", 0, "restrict to sessions started in the last N days")
	return cmd
}

func sessionsCleanupCmd() *cobra.Command {
	var (
		retentionDays int
		dryRun        bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup <instance>",
		Short: "Delete sessions older than the retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := sessions.NewManager(instancesRoot, args[0], nil, nil, nil)
			report, err := mgr.CleanupOldSessions(retentionDays, dryRun)
			if err != nil {
				return err
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d sessions (%d bytes)\n",
				verb, len(report.SessionIDs), report.FreedBytes)
			for _, id := range report.SessionIDs {
				fmt.Fprintln(cmd.OutOrStdout(), " ", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 30, "delete sessions older than this")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	return cmd
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
