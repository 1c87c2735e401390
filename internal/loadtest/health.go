package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// HealthSnapshot is one reading of the server's /health figures.
type HealthSnapshot struct {
	At             time.Time `json:"-"`
	Queue          int       `json:"queue"`
	ActiveSessions int       `json:"active_sessions"`
	Connections    int       `json:"connections"`
}

// HealthPoller periodically reads /health while a test runs and keeps the
// snapshots for the final report.
type HealthPoller struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []HealthSnapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller for healthURL.
func NewHealthPoller(healthURL string, interval time.Duration) *HealthPoller {
	return &HealthPoller{
		url:      healthURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (p *HealthPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.pollOnce(ctx)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the background loop to exit.
func (p *HealthPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Snapshots returns a copy of everything recorded so far.
func (p *HealthPoller) Snapshots() []HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HealthSnapshot, len(p.snapshots))
	copy(out, p.snapshots)
	return out
}

func (p *HealthPoller) pollOnce(ctx context.Context) {
	snap, err := p.fetch(ctx)
	if err != nil {
		// The server may not be up yet.
		return
	}
	p.mu.Lock()
	p.snapshots = append(p.snapshots, snap)
	p.mu.Unlock()
}

func (p *HealthPoller) fetch(ctx context.Context) (HealthSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return HealthSnapshot{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return HealthSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthSnapshot{}, fmt.Errorf("loadtest: health returned %s", resp.Status)
	}

	var snap HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return HealthSnapshot{}, fmt.Errorf("loadtest: decode health: %w", err)
	}
	snap.At = time.Now()
	return snap, nil
}

// Report writes the peak server-side figures seen during the run.
func (p *HealthPoller) Report(w io.Writer) {
	snaps := p.Snapshots()
	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Server (no /health samples) ---")
		return
	}

	var peak HealthSnapshot
	for _, s := range snaps {
		peak.Queue = max(peak.Queue, s.Queue)
		peak.ActiveSessions = max(peak.ActiveSessions, s.ActiveSessions)
		peak.Connections = max(peak.Connections, s.Connections)
	}
	fmt.Fprintln(w, "\n--- Server (peak) ---")
	fmt.Fprintf(w, "  connections: %d  queue: %d  active sessions: %d  (samples=%d)\n",
		peak.Connections, peak.Queue, peak.ActiveSessions, len(snaps))
}
