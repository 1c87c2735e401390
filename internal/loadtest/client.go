// Package loadtest drives simulated users against a running server. A Client
// speaks the WebSocket protocol over gobwas/ws (the same library the server
// uses) and tracks per-connection timings; a Collector aggregates them across
// many clients into a percentile report.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/randomchat/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	UserID string

	conn    net.Conn
	r       io.Reader
	writeMu sync.Mutex

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

// URL appends the bearer token to a WebSocket endpoint.
func URL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("loadtest: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to endpoint and waits for the server's connected message
// before starting the read loop, so ConnectLatency covers authentication.
func Dial(ctx context.Context, endpoint, userID string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}

	c := &Client{
		UserID:   userID,
		conn:     conn,
		r:        conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	if br != nil {
		c.r = br
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	data, err := wsutil.ReadServerText(c.readWriter())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("loadtest: read greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("loadtest: unexpected greeting %q", data)
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers the handler for one server message type, replacing any
// previous handler. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Send writes msg as a JSON text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// JoinQueue asks to be matched for chatType.
func (c *Client) JoinQueue(chatType, language string) error {
	return c.Send(map[string]string{
		"type":      protocol.TypeJoinQueue,
		"chat_type": chatType,
		"language":  language,
	})
}

// SendChat sends a text message into sessionID.
func (c *Client) SendChat(sessionID, content string) error {
	return c.Send(map[string]string{
		"type":       protocol.TypeMessage,
		"session_id": sessionID,
		"content":    content,
	})
}

// EndSession ends sessionID.
func (c *Client) EndSession(sessionID string) error {
	return c.Send(map[string]string{
		"type":       protocol.TypeEndSession,
		"session_id": sessionID,
	})
}

// Metrics returns a copy of the client's metrics.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and stops the read loop. It is safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readWriter pairs the buffered reader with a write path that shares the
// frame lock, so control replies never interleave with Send.
func (c *Client) readWriter() io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{c.r, lockedWriter{c}}
}

type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Client) readLoop() {
	rw := c.readWriter()
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
