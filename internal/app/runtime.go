// Package app is the composition root: it builds the broker, bus, event
// processor and sync coordinator for one session from configuration and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/alfredjeanlab/livesync/internal/config"
	"github.com/alfredjeanlab/livesync/internal/conn"
	"github.com/alfredjeanlab/livesync/internal/events"
	"github.com/alfredjeanlab/livesync/internal/queue"
	"github.com/alfredjeanlab/livesync/internal/syncer"
)

// Options overrides pieces New would otherwise build from config.
type Options struct {
	// Broker replaces the configured broker, e.g. a shared MemoryBroker in
	// tests.
	Broker events.Broker
	Logger *slog.Logger
}

// Runtime wires one session. In ordered mode inbound events flow
// bus -> processor -> coordinator; otherwise bus -> coordinator.
type Runtime struct {
	Bus         *events.Bus
	Processor   *queue.Processor // nil unless ordered
	Coordinator *syncer.Coordinator

	cfg     *config.Config
	logger  *slog.Logger
	broker  events.Broker
	manager *conn.Manager // set for the relay broker
	// feeds carry bus events into the processor; attached routes them into
	// the coordinator.
	feeds    []func()
	attached func()
}

func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{cfg: cfg, logger: logger}

	broker := opts.Broker
	if broker == nil {
		b, err := r.newBroker()
		if err != nil {
			return nil, err
		}
		broker = b
	}
	r.broker = broker

	clock, err := syncer.NewClock(cfg.Clock)
	if err != nil {
		return nil, err
	}

	r.Bus = events.NewBus(broker, events.BusOptions{
		Channel: cfg.Channel,
		Source:  cfg.Source,
		UserID:  cfg.UserID,
		Logger:  logger,
	})
	if cfg.Ordered {
		r.Processor = queue.New(logger)
	}
	r.Coordinator = syncer.New(syncer.Options{
		UserID:    cfg.UserID,
		Source:    cfg.Source,
		Publisher: r.Bus,
		Clock:     clock,
		Logger:    logger,
	})
	for entity, p := range cfg.Policies {
		r.Coordinator.SetConflictPolicy(entity, policyFromConfig(p))
	}
	return r, nil
}

func policyFromConfig(p config.Policy) syncer.Policy {
	s := syncer.Strategy(p.Strategy)
	if s == syncer.Merge {
		return syncer.Policy{Strategy: s, Resolver: syncer.MergeFields}
	}
	return syncer.Policy{Strategy: s}
}

func (r *Runtime) newBroker() (events.Broker, error) {
	switch r.cfg.Broker {
	case config.BrokerMemory:
		return events.NewMemoryBroker(events.MemoryBrokerOptions{
			MinLatency: r.cfg.MemoryMinLatency,
			MaxLatency: r.cfg.MemoryMaxLatency,
		}), nil
	case config.BrokerNATS:
		log := r.logger.With("broker", "nats")
		return events.NewNATSBroker(r.cfg.NATSURL,
			nats.Name("livesync-"+r.cfg.UserID),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("nats disconnected", "err", err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", "url", nc.ConnectedUrl())
			}),
		), nil
	case config.BrokerRedis:
		b, err := events.NewRedisBroker(r.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		return b, nil
	case config.BrokerRelay:
		r.manager = conn.NewManager(conn.Options{
			URL:                  r.cfg.RelayURL,
			HeartbeatInterval:    r.cfg.HeartbeatInterval,
			ReconnectInterval:    r.cfg.ReconnectInterval,
			MaxReconnectAttempts: r.cfg.MaxReconnectAttempts,
			Logger:               r.logger,
		})
		return conn.NewBroker(r.manager), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", r.cfg.Broker)
	}
}

// Manager returns the connection manager when the relay broker is in use.
func (r *Runtime) Manager() *conn.Manager {
	return r.manager
}

// Start wires the inbound path and connects the bus.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Processor != nil {
		for _, t := range events.KnownTypes {
			r.feeds = append(r.feeds, r.Bus.Subscribe(t, r.Processor.Publish))
		}
		r.attached = r.Coordinator.Attach(r.Processor)
	} else {
		r.attached = r.Coordinator.Attach(r.Bus)
	}

	if err := r.Bus.Connect(ctx); err != nil {
		r.stopFeeds()
		r.detachCoordinator()
		// A failed relay dial leaves a reconnect scheduled; Close cancels it.
		_ = r.broker.Close()
		return fmt.Errorf("starting runtime: %w", err)
	}
	r.logger.Info("runtime started",
		"broker", r.cfg.Broker, "channel", r.cfg.Channel, "user", r.cfg.UserID, "ordered", r.Processor != nil)
	return nil
}

func (r *Runtime) stopFeeds() {
	for _, unsub := range r.feeds {
		unsub()
	}
	r.feeds = nil
}

func (r *Runtime) detachCoordinator() {
	if r.attached != nil {
		r.attached()
		r.attached = nil
	}
}

// Stop disconnects the bus and lets the processor deliver what it already
// accepted to the coordinator before detaching it.
func (r *Runtime) Stop() error {
	r.stopFeeds()
	err := r.Bus.Disconnect()
	if r.Processor != nil {
		r.Processor.Stop()
	}
	r.detachCoordinator()
	if err != nil && !errors.Is(err, events.ErrNotConnected) {
		return fmt.Errorf("stopping runtime: %w", err)
	}
	return nil
}
