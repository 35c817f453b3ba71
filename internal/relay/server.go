// Package relay is the websocket relay that connection managers talk to.
//
// Clients connect to /v1/ws, optionally passing ?user=, ?channels=a,b and
// ?since=<seq>. Each "publish" envelope is rebroadcast as an "event"
// envelope, with a sequence number, to every client whose channel patterns
// match, including the sender. "ping" is answered with "pong".
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/livesync/internal/conn"
	"github.com/alfredjeanlab/livesync/internal/presence"
)

const (
	// DefaultKeepaliveInterval is how often websocket ping frames are sent to
	// keep idle connections from timing out.
	DefaultKeepaliveInterval = 15 * time.Second

	writeWait = 10 * time.Second
)

// Options configures a Server.
type Options struct {
	Presence          *presence.Tracker
	KeepaliveInterval time.Duration
	Logger            *slog.Logger
}

// Server relays envelopes between websocket clients.
type Server struct {
	hub       *hub
	presence  *presence.Tracker
	keepalive time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.Presence == nil {
		opts.Presence = presence.New()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		hub:       newHub(),
		presence:  opts.Presence,
		keepalive: opts.KeepaliveInterval,
		logger:    opts.Logger.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws", s.handleWS)
	mux.HandleFunc("GET /v1/roster", s.handleRoster)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Clients returns the number of connected sockets.
func (s *Server) Clients() int {
	return s.hub.clientCount()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.Clients()})
}

// handleRoster handles GET /v1/roster[?stale=<duration>].
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	var stale time.Duration
	if q := r.URL.Query().Get("stale"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid stale duration: "+err.Error())
			return
		}
		stale = d
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": s.presence.Roster(stale)})
}

func parseChannels(q string) []string {
	var channels []string
	for _, c := range strings.Split(q, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			channels = append(channels, c)
		}
	}
	return channels
}

// handleWS handles GET /v1/ws.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = ws.Close() }()

	q := r.URL.Query()
	user := q.Get("user")
	c := s.hub.subscribe(user, parseChannels(q.Get("channels")))
	defer s.hub.unsubscribe(c)

	s.presence.Connected(user)
	defer s.presence.Disconnected(user)

	if since := q.Get("since"); since != "" {
		if lastSeq, err := strconv.ParseUint(since, 10, 64); err == nil {
			for _, f := range s.hub.framesSince(lastSeq) {
				if c.matches(f.Channel) {
					c.enqueue(f.Data)
				}
			}
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, ws, c)
	}()

	s.readPump(ws, c)
	cancel()
	<-done
}

func (s *Server) readPump(ws *websocket.Conn, c *client) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var env conn.RelayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(c, "invalid message format")
			continue
		}
		s.presence.Record(presence.Activity{User: c.user, MessageType: env.Type, Channel: env.Channel})

		switch env.Type {
		case conn.TypePing:
			c.enqueue([]byte(`{"type":"pong"}`))

		case conn.TypePublish:
			if env.Channel == "" || len(env.Event) == 0 {
				s.sendError(c, "publish requires channel and event")
				continue
			}
			channel, event := env.Channel, env.Event
			s.hub.broadcast(channel, func(seq uint64) []byte {
				out, _ := json.Marshal(conn.RelayEnvelope{
					Type:    conn.TypeEvent,
					Channel: channel,
					Event:   event,
					Seq:     seq,
				})
				return out
			})

		case conn.TypeSubscribe:
			if env.Channel != "" {
				c.addChannel(env.Channel)
			}

		case conn.TypeUnsubscribe:
			if env.Channel != "" {
				c.removeChannel(env.Channel)
			}

		default:
			s.sendError(c, "unknown message type: "+env.Type)
		}
	}
}

func (s *Server) writePump(ctx context.Context, ws *websocket.Conn, c *client) {
	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = ws.Close()
				return
			}
		case <-keepalive.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

func (s *Server) sendError(c *client, msg string) {
	resp, _ := json.Marshal(map[string]string{"type": "error", "error": msg})
	c.enqueue(resp)
}
