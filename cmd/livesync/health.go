package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of the relay",
	GroupID: "relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status struct {
			Status  string `json:"status"`
			Clients int    `json:"clients"`
		}
		if err := getJSON(cmd.Context(), "/healthz", nil, &status); err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			printJSON(out, status)
		} else {
			fmt.Fprintf(out, "Health: %s (%d clients)\n", status.Status, status.Clients)
		}

		if status.Status != "ok" {
			return fmt.Errorf("unhealthy: %s", status.Status)
		}
		return nil
	},
}
