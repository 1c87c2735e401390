package report

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps reports in process memory. It backs tests and runs
// without a database.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory report store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Create validates and stores a copy of r.
func (s *MemoryStore) Create(_ context.Context, r *Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c := *r
	c.EvidenceMessageIDs = append([]string(nil), r.EvidenceMessageIDs...)
	c.Evidence = append([]EvidenceMessage(nil), r.Evidence...)

	s.mu.Lock()
	s.reports = append(s.reports, c)
	s.mu.Unlock()
	return nil
}

// ListBySession returns every report filed for a session, oldest first.
func (s *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Report
	for _, r := range s.reports {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *MemoryStore) CountRecent(_ context.Context, reportedUserID string, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reports {
		if r.ReportedUserID == reportedUserID && !r.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
