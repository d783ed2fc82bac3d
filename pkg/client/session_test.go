package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/realtime"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

var tokenIsUser = auth.AuthenticatorFunc(func(r *http.Request) (dock.Actor, error) {
	tok := auth.TokenFromRequest(r)
	if tok == "" {
		return dock.Actor{}, auth.ErrUnauthenticated
	}
	return dock.Actor{UserID: tok}, nil
})

type server struct {
	reg  *realtime.Registry
	disp *realtime.Dispatcher
	url  string
}

func newServer(t *testing.T) *server {
	t.Helper()
	reg := realtime.NewRegistry(nil)
	hub := realtime.NewHub(reg, tokenIsUser, realtime.SessionConfig{}, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return &server{reg: reg, disp: realtime.NewDispatcher(reg, nil, nil), url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func TestSession_ReceivesChangesIntoBoard(t *testing.T) {
	srv := newServer(t)
	acked := make(chan string, 1)
	var mu sync.Mutex
	var controls []docks.Notification

	s := New(Config{URL: srv.url, Token: "alice", Direction: dock.Inbound}, Handlers{
		OnAck: func(a docks.ConnectionAck) { acked <- a.ConnectionID },
		OnControl: func(n docks.Notification) {
			mu.Lock()
			controls = append(controls, n)
			mu.Unlock()
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var connID string
	select {
	case connID = <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection ack")
	}
	assert.Equal(t, connID, s.ConnectionID())
	e, ok := srv.reg.Get(connID)
	require.True(t, ok)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, dock.Inbound, e.Filter.Direction)

	srv.disp.Publish(dock.ChangeEvent{ID: "e1", Kind: dock.KindCreated, Assignment: row(1, 1, 1)})
	assert.Eventually(t, func() bool {
		_, ok := s.Board().Get(1)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Ping())
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, n := range controls {
			if _, ok := n.(docks.Pong); ok {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Unsubscribe())
	assert.Eventually(t, func() bool {
		e, ok := srv.reg.Get(connID)
		return ok && !e.Subscribed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.ErrorIs(t, s.Ping(), ErrNotConnected)
}

func TestSession_GivesUpAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	s := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:       "alice",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, Handlers{OnState: func(st State, _ error) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}}, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetries)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateReconnecting, StateReconnecting, StateDisconnected}, states)
}

func TestSession_ShortLivedConnectionsBackOff(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		dials.Add(1)
		_ = ws.Close()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	s := New(Config{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		StableAfter: time.Minute,
	}, Handlers{OnState: func(st State, _ error) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	}}, nil)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, int32(3), dials.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateConnected, StateReconnecting,
		StateConnected, StateReconnecting,
		StateConnected, StateDisconnected,
	}, states)
}
