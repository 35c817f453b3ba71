package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/livesync/internal/ui"
)

var (
	serverURL  string
	jsonOutput bool
	plain      bool
	logLevel   string

	logger *slog.Logger
)

func defaultServerURL() string {
	if s := os.Getenv("LIVESYNC_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

var rootCmd = &cobra.Command{
	Use:          "livesync <command>",
	Short:        "Real-time record synchronization",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		ui.Setup(plain || jsonOutput)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL(), "relay HTTP base URL (roster, health)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&plain, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "relay", Title: "Relay:"},
	)
	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rosterCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
