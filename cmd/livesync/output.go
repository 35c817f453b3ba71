package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/syncer"
	"github.com/alfredjeanlab/livesync/internal/ui"
)

func printJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func formatData(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

func formatTimestamp(ms int64) string {
	return time.UnixMilli(ms).Format("15:04:05.000")
}

// formatChange renders one applied change as a single line.
func formatChange(ev events.SyncEvent) string {
	line := fmt.Sprintf("%s %s %s %s",
		ui.RenderMuted(formatTimestamp(ev.Timestamp)),
		ui.RenderChangeType(string(ev.Type)),
		ui.RenderAccent(ev.Entity+"/"+ev.EntityID),
		ui.RenderMuted("by "+ev.UserID),
	)
	if d := formatData(ev.Data); d != "" {
		line += "  " + d
	}
	return line
}

// formatConflict renders a manual conflict as one line per side.
func formatConflict(c syncer.Conflict) string {
	return fmt.Sprintf("%s %s\n  local:  %s\n  remote: %s",
		ui.RenderConflict("conflict"),
		ui.RenderAccent(c.Local.Entity+"/"+c.Local.EntityID),
		formatChange(c.Local),
		formatChange(c.Remote),
	)
}
