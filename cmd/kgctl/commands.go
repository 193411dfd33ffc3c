package main

import (
	"github.com/spf13/cobra"
)

var (
	fullUpdate  bool
	localUpdate bool
	requestedBy string

	rootCmd = &cobra.Command{
		Use:           "kgctl",
		Short:         "Operate the entity graph of the bar association crawler",
		SilenceUsage:  true,
	}

	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Request a graph update, or run one in this process with --local",
		Args:  cobra.NoArgs,
		RunE:  runUpdate,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Print the last run and graph statistics",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	mergeCmd = &cobra.Command{
		Use:   "merge [survivor-id] [duplicate-id]",
		Short: "Fold a duplicate entity into the survivor",
		Args:  cobra.ExactArgs(2),
		RunE:  runMerge,
	}
	checkIndexCmd = &cobra.Command{
		Use:   "check-index",
		Short: "Report (type, key) pairs held by more than one entity",
		Args:  cobra.NoArgs,
		RunE:  runCheckIndex,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	migrateUpCmd = &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE:  runMigrateUp,
	}
	migrateDownCmd = &cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		Args:  cobra.NoArgs,
		RunE:  runMigrateDown,
	}

	patternsCmd = &cobra.Command{
		Use:   "patterns",
		Short: "Inspect relation patterns",
	}
	patternsCheckCmd = &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a pattern file, or the built-in patterns without one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPatternsCheck,
	}
)

func init() {
	updateCmd.Flags().BoolVar(&fullUpdate, "full", false, "reprocess every document instead of only changed ones")
	updateCmd.Flags().BoolVar(&localUpdate, "local", false, "run the update in this process instead of queueing it")
	updateCmd.Flags().StringVar(&requestedBy, "requested-by", "kgctl", "recorded with queued update requests")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	patternsCmd.AddCommand(patternsCheckCmd)
	rootCmd.AddCommand(updateCmd, statusCmd, mergeCmd, checkIndexCmd, migrateCmd, patternsCmd)
}
