package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bibwatch/internal/ipc"
)

func newResultsCommand(ctx *commandContext) *cobra.Command {
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Show or edit confirmed finish results",
	}

	var asJSON, asText bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print confirmed bibs with their first-seen times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.State()
				if err != nil {
					return err
				}
				snap := resp.Snapshot
				out := cmd.OutOrStdout()
				switch {
				case asJSON:
					return writeJSON(cmd, snap.Timestamps)
				case asText:
					fmt.Fprint(out, snap.ResultsText)
					if snap.ResultsText != "" && !strings.HasSuffix(snap.ResultsText, "\n") {
						fmt.Fprintln(out)
					}
					return nil
				}
				if len(snap.Timestamps) == 0 {
					fmt.Fprintln(out, "No confirmed results")
					return nil
				}
				rows := make([][]string, 0, len(snap.Timestamps))
				for i, entry := range snap.Timestamps {
					rows = append(rows, []string{fmt.Sprintf("%d", i+1), entry.TimeText, entry.Bib, entry.Name})
				}
				fmt.Fprintln(out, renderTable("Results", []string{"#", "Time", "Bib", "Name"}, rows,
					[]columnAlignment{alignRight, alignRight, alignRight, alignLeft}))
				return nil
			})
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	showCmd.Flags().BoolVar(&asText, "text", false, "Print the editable results text")
	resultsCmd.AddCommand(showCmd)

	resultsCmd.AddCommand(&cobra.Command{
		Use:   "set <file|->",
		Short: "Replace the results text from a file or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readTextArg(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.SetResults(text); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Results updated")
				return nil
			})
		},
	})
	return resultsCmd
}

func readTextArg(stdin io.Reader, arg string) (string, error) {
	var (
		data []byte
		err  error
	)
	if arg == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(arg)
	}
	if err != nil {
		return "", fmt.Errorf("read results text: %w", err)
	}
	return string(data), nil
}
