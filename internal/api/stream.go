package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"plughub/internal/domain"
)

const streamWriteTimeout = 5 * time.Second

// streamStates sends the current snapshot, then every published state
// change, as JSON frames until the client goes away.
func (s *Server) streamStates(w http.ResponseWriter, r *http.Request) {
	states, unsubscribe := s.deps.Reconciler.Subscribe()
	defer unsubscribe()

	current := s.deps.Reconciler.Snapshot()
	initial := make([]domain.PolledState, 0, len(current))
	for _, st := range current {
		initial = append(initial, st)
	}
	stream(s, w, r, "state", initial, states)
}

// streamSession sends the session snapshot and then a new snapshot after
// every change.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	snaps, unsubscribe := s.deps.Merge.Subscribe()
	defer unsubscribe()

	stream(s, w, r, "session", []domain.SessionSnapshot{s.deps.Merge.Snapshot()}, snaps)
}

// stream upgrades to a WebSocket, writes initial and then relays feed until
// the client closes or the feed ends.
func stream[T any](s *Server, w http.ResponseWriter, r *http.Request, name string, initial []T, feed <-chan T) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "stream", name, "error", err)
		return
	}
	defer conn.CloseNow()

	// Reads are only used to notice the client closing.
	ctx := conn.CloseRead(r.Context())

	for _, v := range initial {
		if err := write(ctx, conn, v); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case v, ok := <-feed:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := write(ctx, conn, v); err != nil {
				s.logger.Debug("stream closed", "stream", name, "error", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
