package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Probe and manage rclone remotes",
}

var remoteTestCmd = &cobra.Command{
	Use:   "test <remote>",
	Short: "Test connectivity to a remote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, detail := newRunner().TestConnection(cmd.Context(), args[0])
		if !ok {
			return fmt.Errorf("connection to %s failed: %s", args[0], detail)
		}
		fmt.Printf("Connection to %s OK\n", args[0])
		return nil
	},
}

var remoteFoldersCmd = &cobra.Command{
	Use:   "folders <remote> [path]",
	Short: "List subfolders of a remote path",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 1 {
			path = args[1]
		}

		folders, err := newRunner().ListFolders(cmd.Context(), args[0], path)
		if err != nil {
			return err
		}
		if len(folders) == 0 {
			fmt.Println("No folders found")
			return nil
		}
		for _, folder := range folders {
			fmt.Println(folder)
		}
		return nil
	},
}

var remoteFilesLimit int

var remoteFilesCmd = &cobra.Command{
	Use:   "files <remote> [path]",
	Short: "List entries under a remote path",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) > 1 {
			path = args[1]
		}

		files, err := newRunner().ListFiles(cmd.Context(), args[0], path, remoteFilesLimit)
		if err != nil {
			return err
		}
		for _, f := range files {
			kind := "file"
			if f.IsDir {
				kind = "dir"
			}
			fmt.Printf("%-4s %12d  %s\n", kind, f.Size, f.Path)
		}
		return nil
	},
}

var remoteSizeCmd = &cobra.Command{
	Use:   "size <remote:path>",
	Short: "Estimate the size of a prospective sync source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		estimate, err := newRunner().EstimateSize(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %.2f MB in %d files\n", args[0], estimate.SizeMB, estimate.FileCount)
		return nil
	},
}

var webdavURL, webdavUser, webdavPass string

var remoteCreateWebDAVCmd = &cobra.Command{
	Use:   "create-webdav <name>",
	Short: "Create and probe a Nextcloud WebDAV remote",
	Long: `Write a WebDAV remote into rclone's config store and verify it by
listing its root. A remote that fails the probe is removed again.

The password must already be obscured with "rclone obscure"; cloudmirror
never stores credentials itself.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newRunner().CreateWebDAVRemote(cmd.Context(), args[0], webdavURL, webdavUser, webdavPass); err != nil {
			return err
		}
		fmt.Printf("Remote %s created and verified\n", args[0])
		return nil
	},
}

var remoteRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a remote from rclone's config store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newRunner().RemoveRemote(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Remote %s removed\n", args[0])
		return nil
	},
}

func init() {
	remoteFilesCmd.Flags().IntVar(&remoteFilesLimit, "limit", 100, "maximum entries to list")

	remoteCreateWebDAVCmd.Flags().StringVar(&webdavURL, "url", "", "WebDAV endpoint URL")
	remoteCreateWebDAVCmd.Flags().StringVar(&webdavUser, "user", "", "WebDAV username")
	remoteCreateWebDAVCmd.Flags().StringVar(&webdavPass, "pass", "", "obscured WebDAV password")
	_ = remoteCreateWebDAVCmd.MarkFlagRequired("url")
	_ = remoteCreateWebDAVCmd.MarkFlagRequired("user")
	_ = remoteCreateWebDAVCmd.MarkFlagRequired("pass")

	remoteCmd.AddCommand(remoteTestCmd)
	remoteCmd.AddCommand(remoteFoldersCmd)
	remoteCmd.AddCommand(remoteFilesCmd)
	remoteCmd.AddCommand(remoteSizeCmd)
	remoteCmd.AddCommand(remoteCreateWebDAVCmd)
	remoteCmd.AddCommand(remoteRemoveCmd)
	rootCmd.AddCommand(remoteCmd)
}
