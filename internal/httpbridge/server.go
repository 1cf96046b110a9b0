// Package httpbridge exposes live session subscriptions to WebSocket
// clients, so a browser can watch a tree of parent/child sessions as it
// unfolds. No authentication: the bridge is an operator-side surface.
package httpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawcast/internal/query"
	"github.com/nextlevelbuilder/clawcast/pkg/protocol"
)

// Frame is one JSON message pushed to a watching client.
type Frame struct {
	Scope        string            `json:"scope"` // "parent", "child", "child_started", "lifecycle", "error"
	SessionID    string            `json:"session_id"`
	InstanceName string            `json:"instance_name,omitempty"`
	Message      protocol.Envelope `json:"message,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// Server bridges query subscriptions onto /watch/{session_id}.
type Server struct {
	q        *query.Query
	upgrader websocket.Upgrader
}

// NewServer creates a bridge over the given query handle.
func NewServer(q *query.Query) *Server {
	return &Server{
		q: q,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Observer-side surface; cross-origin dashboards are the point.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the bridge's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch/", s.handleWatch)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// ListenAndServe runs the bridge until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("httpbridge: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/watch/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "bad session id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// One writer goroutine per socket; subscription callbacks run on
	// several delivery goroutines, so they funnel through a channel.
	frames := make(chan Frame, 256)
	send := func(f Frame) {
		select {
		case frames <- f:
		default:
			// Slow client: drop, same contract as the bus.
		}
	}

	sub, err := s.q.Subscribe(r.Context(), sessionID, query.SubscribeOptions{
		OnParentMessage: func(env protocol.Envelope) {
			send(Frame{Scope: "parent", SessionID: sessionID, Message: env})
		},
		OnChildMessage: func(childID, instance string, env protocol.Envelope) {
			send(Frame{Scope: "child", SessionID: childID, InstanceName: instance, Message: env})
		},
		OnChildStarted: func(childID, instance string) {
			send(Frame{Scope: "child_started", SessionID: childID, InstanceName: instance})
		},
		OnLifecycle: func(id string, payload map[string]any) {
			send(Frame{Scope: "lifecycle", SessionID: id, Payload: payload})
		},
		OnError: func(id string, err error) {
			send(Frame{Scope: "error", SessionID: id, Error: err.Error()})
		},
	})
	if err != nil {
		conn.WriteJSON(Frame{Scope: "error", SessionID: sessionID, Error: err.Error()})
		return
	}
	defer sub.Stop()

	var once sync.Once
	closed := make(chan struct{})
	// Reader: only to detect the client going away.
	go func() {
		defer once.Do(func() { close(closed) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
