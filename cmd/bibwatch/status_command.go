package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"bibwatch/internal/api"
	"bibwatch/internal/ipc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, job, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, status)
				}
				renderDaemonStatus(cmd, status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func renderDaemonStatus(cmd *cobra.Command, status *api.DaemonStatus) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	daemonKind := statusOK
	if !status.Running {
		daemonKind = statusError
	}
	job := status.Phase
	if status.JobID != "" {
		job = fmt.Sprintf("%s %d%% (%s)", status.Phase, status.Progress, status.JobID)
	}
	lines := []string{
		renderStatusLine("Daemon", daemonKind, fmt.Sprintf("pid %d", status.PID), colorize),
		renderStatusLine("Job", phaseKind(status.Phase), job, colorize),
		renderStatusLine("Busy", statusInfo, yesNo(status.Busy), colorize),
	}
	if status.APIAddress != "" {
		lines = append(lines, renderStatusLine("HTTP API", statusInfo, status.APIAddress, colorize))
	}
	if status.DatabasePath != "" {
		lines = append(lines, renderStatusLine("State database", statusInfo, status.DatabasePath, colorize))
	}
	printSection(out, "Daemon", colorize, lines)

	health := make([]string, 0, len(status.Health))
	for _, h := range status.Health {
		kind := statusOK
		if !h.Ready {
			kind = statusError
		}
		health = append(health, renderStatusLine(h.Name, kind, h.Detail, colorize))
	}
	printSection(out, "Health", colorize, health)

	rows := make([][]string, 0, len(status.Dependencies))
	for _, dep := range status.Dependencies {
		state := "missing"
		switch {
		case dep.Available:
			state = "ok"
		case dep.Optional:
			state = "optional"
		}
		rows = append(rows, []string{dep.Name, dep.Command, state, dep.Detail})
	}
	fmt.Fprintln(out, renderTable("Dependencies", []string{"Name", "Command", "State", "Detail"}, rows, nil))
	fmt.Fprintln(out, "Version: "+strconv.Quote(status.Version))
}
