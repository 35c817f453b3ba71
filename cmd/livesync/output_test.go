package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/presence"
	"github.com/alfredjeanlab/livesync/internal/relay"
	"github.com/alfredjeanlab/livesync/internal/syncer"
	"github.com/alfredjeanlab/livesync/internal/ui"
)

func init() {
	ui.ForceNoColor()
}

func TestFormatChange(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.Local).UnixMilli()
	got := formatChange(events.SyncEvent{
		Type: events.ChangeUpdate, Entity: "lead", EntityID: "42", UserID: "bob",
		Timestamp: ts, Data: map[string]any{"stage": "won", "owner": "bob"},
	})
	want := "09:30:00.000 update lead/42 by bob  owner=bob stage=won"
	if got != want {
		t.Fatalf("formatChange = %q, want %q", got, want)
	}
}

func TestFormatConflict(t *testing.T) {
	got := formatConflict(syncer.Conflict{
		Local:  events.SyncEvent{Type: events.ChangeUpdate, Entity: "deal", EntityID: "7", UserID: "alice"},
		Remote: events.SyncEvent{Type: events.ChangeDelete, Entity: "deal", EntityID: "7", UserID: "bob"},
	})
	lines := strings.Split(got, "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "conflict deal/7") {
		t.Fatalf("formatConflict = %q", got)
	}
	if !strings.Contains(lines[1], "by alice") || !strings.Contains(lines[2], "delete") {
		t.Fatalf("formatConflict sides = %q", got)
	}
}

func TestPrintRoster(t *testing.T) {
	var buf bytes.Buffer
	printRoster(&buf, nil)
	if !strings.Contains(buf.String(), "No users connected.") {
		t.Fatalf("empty roster output %q", buf.String())
	}

	buf.Reset()
	printRoster(&buf, []presence.Entry{
		{User: "alice", Connections: 2, IdleSecs: 3, MessageCount: 10, LastMessage: "publish", LastChannel: "livesync.events"},
		{Connections: 1},
		{User: "bob", Reaped: true, IdleSecs: 600},
	})
	out := buf.String()
	for _, want := range []string{"USER", "alice", "3s", "livesync.events", "(anonymous)", "10m0s (gone)"} {
		if !strings.Contains(out, want) {
			t.Errorf("roster output missing %q:\n%s", want, out)
		}
	}
}

func TestGetJSON_AgainstRelay(t *testing.T) {
	tracker := presence.New()
	tracker.Connected("carol")
	ts := httptest.NewServer(relay.NewServer(relay.Options{Presence: tracker}).Handler())
	t.Cleanup(ts.Close)

	old := serverURL
	serverURL = ts.URL + "/"
	t.Cleanup(func() { serverURL = old })

	var health struct {
		Status string `json:"status"`
	}
	if err := getJSON(context.Background(), "/healthz", nil, &health); err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("status = %q", health.Status)
	}

	var roster struct {
		Users []presence.Entry `json:"users"`
	}
	if err := getJSON(context.Background(), "/v1/roster", nil, &roster); err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster.Users) != 1 || roster.Users[0].User != "carol" {
		t.Fatalf("roster = %+v", roster.Users)
	}

	if err := getJSON(context.Background(), "/v1/roster", map[string][]string{"stale": {"nope"}}, &roster); err == nil {
		t.Fatal("expected error for bad stale parameter")
	}
}
