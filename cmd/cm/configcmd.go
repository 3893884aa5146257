package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/scheduler"
)

// Keys the scheduler recognizes; anything else is stored but inert.
var knownOverrideKeys = map[string]bool{
	scheduler.KeySourceRemote: true,
	scheduler.KeySourcePath:   true,
	scheduler.KeyDestRemote:   true,
	scheduler.KeyDestPath:     true,
	scheduler.KeyIntervalMin:  true,
	scheduler.KeyJitterSec:    true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage runtime overrides stored in the ledger",
	Long: `Runtime overrides layer on top of the file/environment configuration:
the sync job reads source_remote, source_path, dest_remote and dest_path
from here first, and the daemon reads interval_min and jitter_sec when it
installs the schedule. Overrides take effect on the next firing.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store an override",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !knownOverrideKeys[key] {
			return fmt.Errorf("unknown override key %q (known: %s)", key, knownKeyList())
		}

		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.SetConfigValue(cmd.Context(), key, value); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", key, value)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		value, ok, err := db.GetConfigValue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no override stored for %q", args[0])
		}
		fmt.Println(value)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		values, err := db.AllConfigValues(cmd.Context())
		if err != nil {
			return err
		}
		if len(values) == 0 {
			fmt.Println("No overrides stored")
			return nil
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Key", "Value"})
		for _, k := range keys {
			table.Append([]string{k, values[k]})
		}
		table.Render()
		return nil
	},
}

func knownKeyList() string {
	keys := make([]string, 0, len(knownOverrideKeys))
	for k := range knownOverrideKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)
}
