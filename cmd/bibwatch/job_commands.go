package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"bibwatch/internal/ipc"
	"bibwatch/internal/settings"
	"bibwatch/internal/state"
	"bibwatch/internal/workflow"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Start, cancel, and follow processing jobs",
	}
	jobCmd.AddCommand(newJobStartCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	jobCmd.AddCommand(newJobWaitCommand(ctx))
	jobCmd.AddCommand(newJobStateCommand(ctx))
	return jobCmd
}

func newJobStartCommand(ctx *commandContext) *cobra.Command {
	var (
		url          string
		downloadOnly bool
		start, end   int
		tuning       settings.Settings
		wait         bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Process the current video, or download one first with --url",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.StartJobRequest{Kind: workflow.JobProcess, URL: url}
			if downloadOnly {
				req.Kind = workflow.JobDownload
			}
			if cmd.Flags().Changed("start") {
				req.Start = &start
			}
			if cmd.Flags().Changed("end") {
				req.End = &end
			}
			if settingsChanged(cmd) {
				merged := settingsFromFlags(cmd, tuning)
				req.Settings = &merged
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StartJob(req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started %s job %s\n", resp.Kind, resp.JobID)
				if !wait {
					return nil
				}
				return followJob(cmd.OutOrStdout(), client, 0)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Download the video from this URL first")
	cmd.Flags().BoolVar(&downloadOnly, "download-only", false, "Stop after downloading")
	cmd.Flags().IntVar(&start, "start", 0, "Trim start in seconds")
	cmd.Flags().IntVar(&end, "end", 0, "Trim end in seconds")
	cmd.Flags().IntVar(&tuning.FrameIntervalSec, "frame-interval", 0, "Seconds between sampled frames")
	cmd.Flags().IntVar(&tuning.ConfLimit, "conf-limit", 0, "Sightings needed to confirm a bib")
	cmd.Flags().IntVar(&tuning.SessionTimeoutSec, "session-timeout", 0, "Seconds before a bib may be confirmed again")
	cmd.Flags().IntVar(&tuning.PhantomTimeoutSec, "phantom-timeout", 0, "Seconds before an unconfirmed sighting is dropped")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow the job until it finishes")
	return cmd
}

var settingFlags = []string{"frame-interval", "conf-limit", "session-timeout", "phantom-timeout"}

func settingsChanged(cmd *cobra.Command) bool {
	for _, name := range settingFlags {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// settingsFromFlags overlays the flags that were set on the defaults.
// The daemon clamps the result.
func settingsFromFlags(cmd *cobra.Command, flags settings.Settings) settings.Settings {
	merged := settings.Default()
	if cmd.Flags().Changed("frame-interval") {
		merged.FrameIntervalSec = flags.FrameIntervalSec
	}
	if cmd.Flags().Changed("conf-limit") {
		merged.ConfLimit = flags.ConfLimit
	}
	if cmd.Flags().Changed("session-timeout") {
		merged.SessionTimeoutSec = flags.SessionTimeoutSec
	}
	if cmd.Flags().Changed("phantom-timeout") {
		merged.PhantomTimeoutSec = flags.PhantomTimeoutSec
	}
	return merged
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the running job; repeat to force-stop an isolated worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CancelJob()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch resp.Outcome {
				case workflow.CancelForced:
					fmt.Fprintln(out, "Worker force-stopped")
				case workflow.CancelPending:
					fmt.Fprintln(out, "Cancel already pending; waiting for the worker to stop")
				default:
					fmt.Fprintln(out, "Cancel requested")
				}
				return nil
			})
		},
	}
}

func newJobWaitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Follow the current job until it finishes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				return followJob(cmd.OutOrStdout(), client, 0)
			})
		},
	}
}

func newJobStateCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the current job state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.State()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Snapshot)
				}
				renderSnapshot(cmd.OutOrStdout(), resp.Snapshot)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full snapshot as JSON")
	return cmd
}

const followPoll = 10 * time.Second

// followJob long-polls state and prints phase changes and new events until
// no job is running.
func followJob(out io.Writer, client *ipc.Client, since uint64) error {
	var lastPhase state.Phase
	lastProgress := -1
	var printed time.Time
	for {
		resp, err := client.WaitState(since, followPoll)
		if err != nil {
			return err
		}
		snap := resp.Snapshot
		for _, evt := range snap.Events {
			if evt.Timestamp.After(printed) {
				fmt.Fprintf(out, "%s [%s] %s\n", evt.Timestamp.Local().Format("15:04:05"), evt.Level, evt.Message)
				printed = evt.Timestamp
			}
		}
		if snap.Phase != lastPhase || snap.Progress/10 != lastProgress/10 {
			fmt.Fprintf(out, "%s %d%%\n", snap.Phase, snap.Progress)
			lastPhase, lastProgress = snap.Phase, snap.Progress
		}
		if !snap.Processing && !snap.Phase.Active() {
			if snap.Phase == state.PhaseError {
				return fmt.Errorf("job failed")
			}
			return nil
		}
		since = snap.Version
	}
}

func renderSnapshot(out io.Writer, snap state.Snapshot) {
	colorize := shouldColorize(out)
	lines := []string{
		renderStatusLine("Phase", phaseKind(string(snap.Phase)), fmt.Sprintf("%s %d%%", snap.Phase, snap.Progress), colorize),
		renderStatusLine("Video", statusInfo, orNone(snap.Video), colorize),
		renderStatusLine("Converted", statusInfo, orNone(snap.Converted), colorize),
		renderStatusLine("Roster", statusInfo, orNone(snap.ProtocolRef), colorize),
		renderStatusLine("Confirmed", statusInfo, fmt.Sprintf("%d", len(snap.Timestamps)), colorize),
	}
	if snap.CancelRequested {
		lines = append(lines, renderStatusLine("Cancel", statusWarn, "requested", colorize))
	}
	printSection(out, "Job", colorize, lines)

	events := snap.Events
	if len(events) > 10 {
		events = events[len(events)-10:]
	}
	rows := make([][]string, 0, len(events))
	for _, evt := range events {
		rows = append(rows, []string{evt.Timestamp.Local().Format("15:04:05"), evt.Level, evt.Message})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable("Recent events", []string{"Time", "Level", "Message"}, rows, nil))
	}
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}
