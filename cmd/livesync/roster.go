package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/livesync/internal/presence"
	"github.com/alfredjeanlab/livesync/internal/ui"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// getJSON fetches path from the relay and decodes the body into v.
func getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := strings.TrimRight(serverURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

var rosterCmd = &cobra.Command{
	Use:     "roster",
	Short:   "Show users connected to the relay",
	GroupID: "relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		stale, _ := cmd.Flags().GetDuration("stale")
		q := url.Values{}
		if stale > 0 {
			q.Set("stale", stale.String())
		}

		var body struct {
			Users []presence.Entry `json:"users"`
		}
		if err := getJSON(cmd.Context(), "/v1/roster", q, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			printJSON(out, body.Users)
			return nil
		}
		printRoster(out, body.Users)
		return nil
	},
}

func init() {
	rosterCmd.Flags().Duration("stale", 0, "hide users idle longer than this")
}

func printRoster(w io.Writer, users []presence.Entry) {
	if len(users) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No users connected."))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tCONNS\tIDLE\tMESSAGES\tLAST\tCHANNEL")
	for _, e := range users {
		user := e.User
		if user == "" {
			user = "(anonymous)"
		}
		idle := (time.Duration(e.IdleSecs) * time.Second).String()
		if e.Reaped {
			idle += " (gone)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
			user, e.Connections, idle, e.MessageCount, e.LastMessage, e.LastChannel)
	}
	tw.Flush()
}
