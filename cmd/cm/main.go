// Command cm is the cloudmirror CLI: it runs the sync daemon, triggers
// manual syncs, inspects run history, rebuilds the file status tree, and
// manages rclone remotes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/ledger"
	"github.com/cloudmirror/cloudmirror/internal/logging"
	"github.com/cloudmirror/cloudmirror/internal/rclone"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "cm",
	Short: "cloudmirror - one-way cloud folder mirroring via rclone",
	Long: `cloudmirror periodically mirrors a Google Drive folder into a
Nextcloud WebDAV share by driving the rclone CLI, records every run and
per-file event in an embedded SQLite ledger, and reconstructs a
status-annotated file tree from the event history.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logging.Setup(cfg.Logging.Level, cfg.Logging.File)
		return nil
	},
}

// openLedger opens the configured ledger database and ensures its schema.
func openLedger() (*ledger.DB, error) {
	db, err := ledger.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// newRunner creates an rclone runner bound to the loaded configuration.
func newRunner() *rclone.Runner {
	return rclone.NewRunner(cfg, logging.GetLogger("rclone"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
