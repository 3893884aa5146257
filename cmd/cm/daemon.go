package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/logging"
	"github.com/cloudmirror/cloudmirror/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the periodic sync scheduler until interrupted",
	Long: `Start the sync scheduler in the foreground.

The scheduler installs the periodic sync job (interval and jitter come
from stored overrides when present, config defaults otherwise) and fires
it until SIGINT/SIGTERM. An in-flight sync is allowed to finish before
the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		sched := scheduler.New(cfg, db, newRunner(), logging.GetLogger("scheduler"))
		if err := sched.StartFromStoredSchedule(context.Background()); err != nil {
			return err
		}

		info := sched.JobInfo()
		fmt.Printf("Scheduler running: %s (next fire %s)\n", info.Trigger, info.NextRunTime.Format("15:04:05"))
		fmt.Println("Press Ctrl+C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		sched.Stop()
		fmt.Println("Scheduler stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
