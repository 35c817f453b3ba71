package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/livesync/internal/app"
	"github.com/alfredjeanlab/livesync/internal/config"
	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/syncer"
)

var watchCmd = &cobra.Command{
	Use:     "watch <entity>",
	Short:   "Print changes applied to an entity type as they arrive",
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entity := args[0]
		strategy, _ := cmd.Flags().GetString("strategy")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rt, err := app.New(cfg, app.Options{Logger: logger})
		if err != nil {
			return err
		}
		if strategy != "" {
			p := syncer.Policy{Strategy: syncer.Strategy(strategy)}
			if p.Strategy == syncer.Merge {
				p.Resolver = syncer.MergeFields
			}
			rt.Coordinator.SetConflictPolicy(entity, p)
		}

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		rt.Coordinator.SubscribeToEntity(entity, func(ev events.SyncEvent) {
			mu.Lock()
			defer mu.Unlock()
			if jsonOutput {
				printJSON(out, ev)
				return
			}
			fmt.Fprintln(out, formatChange(ev))
		})
		rt.Coordinator.SubscribeConflicts(func(c syncer.Conflict) {
			if c.Remote.Entity != entity {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if jsonOutput {
				printJSON(out, map[string]any{"conflict": c})
				return
			}
			fmt.Fprintln(out, formatConflict(c))
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := rt.Start(ctx); err != nil {
			return err
		}
		logger.Info("watching", "entity", entity, "broker", cfg.Broker, "channel", cfg.Channel)

		<-ctx.Done()
		return rt.Stop()
	},
}

func init() {
	watchCmd.Flags().String("strategy", "", "conflict strategy for the entity (last-write-wins, merge, manual)")
}
