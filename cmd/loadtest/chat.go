package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/randomchat/internal/loadtest"
	"github.com/whisper/randomchat/internal/protocol"
)

// pairStats counts per-user outcomes across all pairs.
type pairStats struct {
	matched atomic.Int64
	ended   atomic.Int64
	sent    atomic.Int64
	recv    atomic.Int64
}

// runChat runs the full lifecycle for each pair: connect, join_queue,
// match_found, message exchange, end_session.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	healthURL := fs.String("health-url", "http://localhost:8080/health", "Server health endpoint")
	secret := fs.String("secret", "", "JWT secret (defaults to JWT_SECRET)")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for pair start")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match_found")
	chatType := fs.String("chat-type", "text", "Chat type to queue for")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := newDialer(*url, *secret)
	collector := loadtest.NewCollector()
	health := loadtest.NewHealthPoller(*healthURL, 2*time.Second)
	collector.SetHealthPoller(health)
	health.Start(ctx)

	run := &chatRun{
		dialer:       d,
		collector:    collector,
		chatType:     *chatType,
		chatDuration: *chatDuration,
		msgInterval:  *msgInterval,
		padding:      strings.Repeat("x", max(*msgSize-20, 0)),
		matchTimeout: *matchTimeout,
	}

	interval := *rampUp / time.Duration(max(*pairs, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := run.pair(ctx, n); err != nil {
				collector.AddError()
			}
		}(i)
		time.Sleep(interval)
	}
	wg.Wait()
	health.Stop()

	fmt.Printf("\nUsers matched: %d/%d  ended: %d  messages sent: %d  received: %d\n",
		run.stats.matched.Load(), *pairs*2, run.stats.ended.Load(),
		run.stats.sent.Load(), run.stats.recv.Load())
	collector.Report(os.Stdout)
}

type chatRun struct {
	dialer       *dialer
	collector    *loadtest.Collector
	chatType     string
	chatDuration time.Duration
	msgInterval  time.Duration
	padding      string
	matchTimeout time.Duration
	stats        pairStats
}

// member is one side of a pair.
type member struct {
	client  *loadtest.Client
	matched chan match
	left    chan struct{}
}

type match struct {
	sessionID string
	ends      bool // this side sends end_session when the chat time is up
}

func (r *chatRun) connect(ctx context.Context, n int, suffix string) (*member, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := r.dialer.dial(connCtx, n, suffix)
	if err != nil {
		return nil, err
	}
	r.collector.AddConnect(c.Metrics().ConnectLatency)

	m := &member{client: c, matched: make(chan match, 1), left: make(chan struct{}, 1)}
	joined := time.Now()

	c.On(protocol.TypeMatchFound, func(raw json.RawMessage) {
		var msg protocol.MatchFoundMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		r.collector.AddMatchLatency(time.Since(joined))
		select {
		// Concurrent pairs may cross-match, so the ending side is picked
		// from the session itself rather than from the pair.
		case m.matched <- match{
			sessionID: msg.SessionID,
			ends:      msg.AnonymousID < msg.PartnerAnonymousID,
		}:
		default:
		}
	})
	c.On(protocol.TypeMessage, func(raw json.RawMessage) {
		var msg protocol.ServerChatMsg
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		r.stats.recv.Add(1)
		if sentAt, ok := parseStamp(msg.Content); ok {
			r.collector.AddMsgLatency(time.Since(sentAt))
		}
	})
	c.On(protocol.TypeSessionEnded, func(json.RawMessage) {
		select {
		case m.left <- struct{}{}:
		default:
		}
	})
	c.On(protocol.TypeError, func(json.RawMessage) { r.collector.AddError() })
	return m, nil
}

func (r *chatRun) pair(ctx context.Context, n int) error {
	a, err := r.connect(ctx, n, "a")
	if err != nil {
		return err
	}
	defer a.client.Close()
	b, err := r.connect(ctx, n, "b")
	if err != nil {
		return err
	}
	defer b.client.Close()

	if err := a.client.JoinQueue(r.chatType, ""); err != nil {
		return err
	}
	if err := b.client.JoinQueue(r.chatType, ""); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, m := range []*member{a, b} {
		wg.Add(1)
		go func(m *member) {
			defer wg.Done()
			r.converse(ctx, m)
		}(m)
	}
	wg.Wait()
	return nil
}

func (r *chatRun) converse(ctx context.Context, m *member) {
	var mt match
	select {
	case mt = <-m.matched:
	case <-time.After(r.matchTimeout):
		r.collector.AddError()
		return
	case <-ctx.Done():
		return
	}
	r.stats.matched.Add(1)

	ticker := time.NewTicker(r.msgInterval)
	defer ticker.Stop()
	limit := r.chatDuration
	if !mt.ends {
		limit += 5 * time.Second
	}
	deadline := time.After(limit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.left:
			// The partner ended first.
			r.stats.ended.Add(1)
			return
		case <-deadline:
			if !mt.ends {
				r.collector.AddError()
				return
			}
			if m.client.EndSession(mt.sessionID) == nil {
				r.stats.ended.Add(1)
			}
			return
		case <-ticker.C:
			content := strconv.FormatInt(time.Now().UnixNano(), 10) + " " + r.padding
			if err := m.client.SendChat(mt.sessionID, content); err != nil {
				r.collector.AddError()
				return
			}
			r.stats.sent.Add(1)
		}
	}
}

// parseStamp reads the send time embedded at the start of a message.
func parseStamp(content string) (time.Time, bool) {
	head, _, _ := strings.Cut(content, " ")
	ns, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
