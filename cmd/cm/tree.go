package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudmirror/cloudmirror/internal/ledger"
	"github.com/cloudmirror/cloudmirror/internal/tree"
)

var (
	treePath   string
	treeSearch string
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Show the synced file tree with per-node status",
	Long: `Rebuild the hierarchical status view from the recorded file events.

Each file takes the status of its most recent event; folders take the
worst status among their children (error > conflict > pending > synced >
unknown).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		events, err := db.ListFileEvents(ledger.ListFileEventsFilter{PathPrefix: treePath})
		if err != nil {
			return err
		}

		builder := tree.NewBuilder()
		root := builder.Build(events, treePath)

		if treeSearch != "" {
			matches := builder.Search(root, treeSearch)
			if len(matches) == 0 {
				fmt.Printf("No nodes matching %q\n", treeSearch)
				return nil
			}
			for _, node := range matches {
				fmt.Printf("%-10s %-8s %s\n", node.Status, node.Type, node.Path)
			}
			return nil
		}

		printNode(root, 0)

		stats := builder.Stats(root)
		fmt.Printf("\n%d files, %d folders, %d bytes total\n", stats.Files, stats.Folders, stats.TotalSize)
		return nil
	},
}

func printNode(node *tree.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	marker := "+"
	if node.Type == tree.TypeFile {
		marker = "-"
	}
	fmt.Printf("%s%s %s [%s]\n", indent, marker, node.Name, node.Status)

	for _, child := range node.Children {
		printNode(child, depth+1)
	}
}

func init() {
	treeCmd.Flags().StringVar(&treePath, "path", "", "restrict the tree to a base path")
	treeCmd.Flags().StringVar(&treeSearch, "search", "", "list nodes whose name contains the term")
	rootCmd.AddCommand(treeCmd)
}
