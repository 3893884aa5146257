package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/ledger"
)

var (
	runsLimit  int
	runsStatus string
	keepRuns   int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and maintain the run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded sync runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(ledger.ListRunsFilter{Status: runsStatus, Limit: runsLimit})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Started", "Finished", "Status", "Added", "Updated", "Errors", "Bytes"})
		for _, run := range runs {
			finished := "-"
			if run.FinishedAt != nil {
				finished = run.FinishedAt.Format("2006-01-02 15:04:05")
			}
			table.Append([]string{
				strconv.FormatInt(run.ID, 10),
				run.StartedAt.Format("2006-01-02 15:04:05"),
				finished,
				run.Status,
				strconv.Itoa(run.NumAdded),
				strconv.Itoa(run.NumUpdated),
				strconv.Itoa(run.Errors),
				strconv.FormatInt(run.BytesTransferred, 10),
			})
		}
		table.Render()
		return nil
	},
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the N most recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		deleted, err := db.CleanupOldRunsContext(context.Background(), keepRuns)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d old run records (kept %d)\n", deleted, keepRuns)
		return nil
	},
}

var runsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every run and file event from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, events, err := db.Reset(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Ledger reset: deleted %d runs and %d file events\n", runs, events)
		return nil
	},
}

// ledgerListLatest is the filter for "just the most recent run".
func ledgerListLatest() ledger.ListRunsFilter {
	return ledger.ListRunsFilter{Limit: 1}
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status")
	runsCleanupCmd.Flags().IntVar(&keepRuns, "keep", 100, "number of recent runs to keep")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsCleanupCmd)
	runsCmd.AddCommand(runsResetCmd)
	rootCmd.AddCommand(runsCmd)
}
