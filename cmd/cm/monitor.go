package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/ledger"
	"github.com/cloudmirror/cloudmirror/internal/logging"
	"github.com/cloudmirror/cloudmirror/internal/logtail"
	"github.com/cloudmirror/cloudmirror/internal/rclone"
)

var monitorFile string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Follow the log of the current (or most recent) sync run",
	Long: `Tail the rclone log artifact of the active run, printing each file
event as rclone reports it. Without --file the log path is resolved from
the ledger: the running run if there is one, otherwise the most recent
run, otherwise the newest log file on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := monitorFile
		if path == "" {
			var err error
			path, err = resolveMonitorPath()
			if err != nil {
				return err
			}
		}

		tailer, err := logtail.New(path, rclone.NewLogParser(logging.GetLogger("monitor")))
		if err != nil {
			return err
		}
		if err := tailer.Start(); err != nil {
			return err
		}
		defer tailer.Stop()

		fmt.Printf("Following %s (Ctrl-C to stop)\n", path)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		for {
			select {
			case line, ok := <-tailer.Lines():
				if !ok {
					return nil
				}
				if line.Event == nil {
					continue
				}
				if line.Event.FilePath != "" {
					fmt.Printf("%s  %-8s %s\n",
						line.Event.Timestamp.Format("15:04:05"),
						line.Event.Action, line.Event.FilePath)
				} else {
					fmt.Printf("%s  %-8s %s\n",
						line.Event.Timestamp.Format("15:04:05"),
						line.Event.Action, line.Event.Message)
				}
			case err := <-tailer.Errors():
				return err
			case <-sigCh:
				return nil
			}
		}
	},
}

// resolveMonitorPath picks the log file to follow: the running run's
// artifact, then the latest finished run's, then the newest log on disk.
func resolveMonitorPath() (string, error) {
	db, err := openLedger()
	if err != nil {
		return "", err
	}
	defer db.Close()

	for _, filter := range []ledger.ListRunsFilter{
		{Status: ledger.StatusRunning, Limit: 1},
		{Limit: 1},
	} {
		runs, err := db.ListRuns(filter)
		if err != nil {
			return "", err
		}
		if len(runs) > 0 && runs[0].LogPath != "" {
			return runs[0].LogPath, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(cfg.LogDir(), "sync-*.log"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no sync log found; pass --file explicitly")
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func init() {
	monitorCmd.Flags().StringVar(&monitorFile, "file", "", "log file to follow (overrides ledger lookup)")
	rootCmd.AddCommand(monitorCmd)
}
