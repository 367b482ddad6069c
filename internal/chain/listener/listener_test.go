package listener_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fluencelabs/gonox/internal/chain/listener"
	"github.com/fluencelabs/gonox/internal/logging"
)

// fakeWSServer answers every eth_subscribe call with a fresh,
// incrementing subscription id, then can be told to push notifications
// for any of them.
type fakeWSServer struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
	next     int
}

func newFakeWSServer() (*httptest.Server, *fakeWSServer) {
	f := &fakeWSServer{connCh: make(chan *websocket.Conn, 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.connCh <- conn
		for {
			var req struct {
				ID     uint64        `json:"id"`
				Method string        `json:"method"`
				Params []interface{} `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.Method == "eth_subscribe" {
				f.next++
				_ = conn.WriteJSON(map[string]interface{}{
					"jsonrpc": "2.0",
					"id":      req.ID,
					"result":  fmt.Sprintf("0xsub%d", f.next),
				})
			}
		}
	}))
	return srv, f
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestNewDialsAndSubscribeReturnsChannel(t *testing.T) {
	srv, _ := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	ch, err := l.NewHeads(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ch)
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	srv, f := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	ch, err := l.NewHeads(context.Background())
	require.NoError(t, err)

	conn := <-f.connCh
	err = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub1",
			"result":       map[string]interface{}{"number": "0x1"},
		},
	})
	require.NoError(t, err)

	select {
	case raw := <-ch:
		require.Contains(t, string(raw), "0x1")
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
}

func TestStateMachineTransitionsThroughCommitmentLifecycle(t *testing.T) {
	srv, _ := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, listener.StateInactive, l.State())

	l.OnCommitmentActivated()
	require.Equal(t, listener.StateWaitDelegation, l.State())

	l.OnUnitActivated()
	require.Equal(t, listener.StateActive, l.State())

	l.OnUnitDeactivated()
	require.Equal(t, listener.StateFailed, l.State())

	l.OnRemoved()
	require.Equal(t, listener.StateRemoved, l.State())
}

func TestRunAdvancesStateFromCommitmentActivatedLog(t *testing.T) {
	srv, f := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx, listener.DefaultTopics())

	conn := <-f.connCh
	commitmentID := strings.Repeat("ab", 32)
	err = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub2",
			"result": map[string]interface{}{
				"topics": []string{listener.DefaultTopics().CommitmentActivated, "0x" + commitmentID},
				"data":   "0x",
			},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.State() == listener.StateWaitDelegation
	}, time.Second, 10*time.Millisecond)

	select {
	case ev := <-l.Events():
		require.Equal(t, "commitment_activated", ev.Kind)
		require.NotNil(t, ev.CommitmentID)
	case <-time.After(time.Second):
		t.Fatal("expected a commitment_activated event")
	}
}

func TestRunSubscribesNewHeadsAndForwardsToEvents(t *testing.T) {
	srv, f := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx, listener.DefaultTopics())

	conn := <-f.connCh
	// new_heads is subscribed first, so it is always assigned sub1.
	err = conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]interface{}{
			"subscription": "0xsub1",
			"result":       map[string]interface{}{"number": "0x2"},
		},
	})
	require.NoError(t, err)

	select {
	case ev := <-l.Events():
		require.Equal(t, "new_heads", ev.Kind)
		require.Contains(t, string(ev.Raw), "0x2")
	case <-time.After(time.Second):
		t.Fatal("expected a new_heads event")
	}
}

func TestRefreshIsIdempotentWhenConnected(t *testing.T) {
	srv, _ := newFakeWSServer()
	defer srv.Close()

	l, err := listener.New(context.Background(), listener.Config{WSEndpoint: wsURL(srv.URL)}, logging.NewNoop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Refresh(context.Background()))
}
