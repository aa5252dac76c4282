package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bibwatch/internal/ipc"
)

func newVideoCommand(ctx *commandContext) *cobra.Command {
	videoCmd := &cobra.Command{
		Use:   "video",
		Short: "Manage the current race video",
	}
	videoCmd.AddCommand(&cobra.Command{
		Use:   "upload <path>",
		Short: "Copy a local video into the daemon as the current source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.UploadVideo(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%s)\n", resp.File, humanBytes(resp.SizeBytes))
				return nil
			})
		},
	})
	videoCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the current video and its converted copy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.ClearVideo(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Video cleared")
				return nil
			})
		},
	})
	return videoCmd
}

func newRosterCommand(ctx *commandContext) *cobra.Command {
	rosterCmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage the participant roster",
	}
	rosterCmd.AddCommand(&cobra.Command{
		Use:   "load <path>",
		Short: "Load a roster CSV with number and name columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.LoadRoster(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s with %d participants\n", resp.File, resp.Participants)
				return nil
			})
		},
	})
	rosterCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the current roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.ClearRoster(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Roster cleared")
				return nil
			})
		},
	})
	return rosterCmd
}

func newResetCommand(ctx *commandContext) *cobra.Command {
	var clearEvents bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget the current video, roster, and results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Reset(clearEvents); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "State reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearEvents, "clear-events", false, "Also clear the activity log")
	return cmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
