package matching

import (
	"sync"
	"time"

	"github.com/whisper/randomchat/internal/chat"
)

// estimatorWindow is the number of recent match latencies averaged per chat
// type.
const estimatorWindow = 32

// latencyRing is a fixed-size ring of the most recent match latencies.
type latencyRing struct {
	samples [estimatorWindow]time.Duration
	head    int // next write position
	count   int
	sum     time.Duration
}

func (r *latencyRing) push(d time.Duration) {
	if r.count == estimatorWindow {
		r.sum -= r.samples[r.head]
	} else {
		r.count++
	}
	r.samples[r.head] = d
	r.sum += d
	r.head = (r.head + 1) % estimatorWindow
}

func (r *latencyRing) mean() time.Duration {
	if r.count == 0 {
		return 0
	}
	return r.sum / time.Duration(r.count)
}

// WaitEstimator keeps a moving average of how long matched users waited,
// per chat type.
type WaitEstimator struct {
	mu    sync.Mutex
	rings map[chat.ChatType]*latencyRing
}

// NewWaitEstimator creates an estimator with no history.
func NewWaitEstimator() *WaitEstimator {
	return &WaitEstimator{rings: make(map[chat.ChatType]*latencyRing)}
}

// Record adds one observed match latency.
func (w *WaitEstimator) Record(ct chat.ChatType, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[ct]
	if !ok {
		r = &latencyRing{}
		w.rings[ct] = r
	}
	r.push(wait)
}

// Estimate returns the average recent wait for the chat type, or zero when
// nothing has been matched yet.
func (w *WaitEstimator) Estimate(ct chat.ChatType) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[ct]
	if !ok {
		return 0
	}
	return r.mean()
}
