package push_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughub/internal/domain"
	"plughub/internal/infra/push"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClient_ReceivesAndSends(t *testing.T) {
	received := make(chan domain.Envelope, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := websocket.Accept(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.CloseNow()

		frame, _ := domain.NewEnvelope("generating", map[string]bool{"isGenerating": true})
		if !assert.NoError(t, wsjson.Write(r.Context(), conn, frame)) {
			return
		}

		var reply domain.Envelope
		if assert.NoError(t, wsjson.Read(r.Context(), conn, &reply)) {
			received <- reply
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer server.Close()

	client := push.NewClient(server.URL, "secret", discard())
	client.SetReconnectDelay(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan domain.Envelope, 4)
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, events) }()

	select {
	case env := <-events:
		assert.Equal(t, "generating", env.Type)
		assert.JSONEq(t, `{"isGenerating":true}`, string(env.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound frame")
	}

	edit, err := domain.NewEnvelope("session_edit", map[string]any{"field": "capacity", "value": 3})
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, edit))

	select {
	case env := <-received:
		assert.Equal(t, "session_edit", env.Type)
		assert.JSONEq(t, `{"field":"capacity","value":3}`, string(env.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the frame")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClient_SendWithoutConnection(t *testing.T) {
	client := push.NewClient("ws://127.0.0.1:1", "", discard())

	env, err := domain.NewEnvelope("session_edit", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, client.Send(context.Background(), env), push.ErrNotConnected)
	assert.False(t, client.Connected())
}

func TestClient_RunStopsOnCancelWhileDialing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer server.Close()

	client := push.NewClient(server.URL, "", discard())
	client.SetReconnectDelay(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.Run(ctx, make(chan domain.Envelope))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
