package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/randomchat/internal/auth"
	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/messaging"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/ws"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	d := Summarize(samples)
	assert.Equal(t, 100, d.N)
	assert.Equal(t, 51*time.Millisecond, d.P50)
	assert.Equal(t, 95*time.Millisecond, d.P95)
	assert.Equal(t, 99*time.Millisecond, d.P99)
	assert.Equal(t, 100*time.Millisecond, d.Max)
	assert.Equal(t, 50500*time.Microsecond, d.Avg)
}

func TestSummarize_Empty(t *testing.T) {
	assert.Equal(t, Distribution{}, Summarize(nil))
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(2 * time.Millisecond)
	c.AddConnect(4 * time.Millisecond)
	c.AddError()
	c.AddMsgLatency(time.Millisecond)

	assert.Equal(t, 2, c.ConnectionCount())
	assert.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	assert.Contains(t, out, "Connections:  2")
	assert.Contains(t, out, "Error rate:   50.00%")
	assert.Contains(t, out, "--- Connect Latency ---")
	assert.Contains(t, out, "--- Message Latency ---")
	assert.NotContains(t, out, "--- Match Latency ---")
}

func TestURL(t *testing.T) {
	u, err := URL("ws://localhost:8080/ws", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws?token=abc", u)
}

func TestHealthPoller(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok", "queue": 3, "active_sessions": 7, "connections": 20,
		})
	}))
	defer hs.Close()

	p := NewHealthPoller(hs.URL, time.Hour)
	p.Start(context.Background())
	p.Stop()

	snaps := p.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 3, snaps[0].Queue)
	assert.Equal(t, 7, snaps[0].ActiveSessions)
	assert.Equal(t, 20, snaps[0].Connections)

	var buf bytes.Buffer
	p.Report(&buf)
	assert.Contains(t, buf.String(), "connections: 20  queue: 3  active sessions: 7")
}

func TestClient_MatchAndRelay(t *testing.T) {
	bus := messaging.NewLocalBus()
	eng := engine.New(engine.Config{}, engine.Deps{Notifier: bus})
	tokens := auth.NewVerifier("test-secret", time.Hour)
	srv, err := ws.NewServer(ws.DefaultServerConfig(), ws.Deps{Engine: eng, Auth: tokens, Events: bus})
	require.NoError(t, err)
	srv.Start()
	hs := httptest.NewServer(srv)
	defer func() {
		srv.Shutdown()
		hs.Close()
	}()
	endpoint := "ws" + strings.TrimPrefix(hs.URL, "http") + "/"

	dial := func(userID string) *Client {
		token, err := tokens.Issue(userID)
		require.NoError(t, err)
		u, err := URL(endpoint, token)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c, err := Dial(ctx, u, userID)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}

	alice := dial("alice")
	bob := dial("bob")

	matched := make(chan string, 2)
	received := make(chan string, 1)
	for _, c := range []*Client{alice, bob} {
		c.On(protocol.TypeMatchFound, func(raw json.RawMessage) {
			var m protocol.MatchFoundMsg
			if json.Unmarshal(raw, &m) == nil {
				matched <- m.SessionID
			}
		})
	}
	bob.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var m protocol.ServerChatMsg
		if json.Unmarshal(raw, &m) == nil {
			received <- m.Content
		}
	})

	require.NoError(t, alice.JoinQueue("text", ""))
	// Give alice's join a head start so she is the waiter.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bob.JoinQueue("text", ""))

	var sessionID string
	for i := 0; i < 2; i++ {
		select {
		case sessionID = <-matched:
		case <-time.After(3 * time.Second):
			t.Fatal("match_found not received")
		}
	}

	require.NoError(t, alice.SendChat(sessionID, "hello bob"))
	select {
	case got := <-received:
		assert.Equal(t, "hello bob", got)
	case <-time.After(3 * time.Second):
		t.Fatal("relayed message not received")
	}

	assert.Positive(t, alice.Metrics().ConnectLatency)
	assert.GreaterOrEqual(t, alice.Metrics().MessagesSent, 2)
}
