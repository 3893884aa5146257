package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/logging"
	"github.com/cloudmirror/cloudmirror/internal/scheduler"
)

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync now",
	Long: `Execute a single sync immediately, blocking until it finishes.

The run goes through the same job body the scheduler fires: it is guarded
by the single-flight lock, recorded in the ledger, and its per-file
events are persisted. With --dry-run, rclone reports what it would copy
without transferring anything (the run is still recorded).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		runner := newRunner()
		if syncDryRun {
			// Dry runs bypass the scheduler so the flag reaches rclone.
			overrides, err := db.AllConfigValues(context.Background())
			if err != nil {
				return err
			}
			sc := cfg.Sync
			if v, ok := overrides[scheduler.KeySourceRemote]; ok {
				sc.SourceRemote = v
			}
			if v, ok := overrides[scheduler.KeySourcePath]; ok {
				sc.SourcePath = v
			}
			if v, ok := overrides[scheduler.KeyDestRemote]; ok {
				sc.DestRemote = v
			}
			if v, ok := overrides[scheduler.KeyDestPath]; ok {
				sc.DestPath = v
			}

			result := runner.RunSync(cmd.Context(), sc.SourceRemote, sc.SourcePath, sc.DestRemote, sc.DestPath, true)
			fmt.Printf("Dry run finished: %s (%d added, %d updated, %d errors)\n",
				result.Status, result.NumAdded, result.NumUpdated, result.Errors)
			if result.ErrorMessage != "" {
				fmt.Printf("Error: %s\n", result.ErrorMessage)
			}
			return nil
		}

		sched := scheduler.New(cfg, db, runner, logging.GetLogger("scheduler"))
		sched.RunJob(cmd.Context())

		runs, err := db.ListRuns(ledgerListLatest())
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("sync did not record a run (check configuration)")
		}

		run := runs[0]
		fmt.Printf("Run %d finished: %s (%d added, %d updated, %d errors, %d bytes)\n",
			run.ID, run.Status, run.NumAdded, run.NumUpdated, run.Errors, run.BytesTransferred)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "report what would be copied without transferring")
	rootCmd.AddCommand(syncCmd)
}
