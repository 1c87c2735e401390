// Package matching pairs waiting users into anonymous chat sessions. The
// queue holds one FIFO bucket per chat type; the matchmaker pairs the
// requester with the longest waiter of the same type, preferring a
// compatible language.
package matching

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/randomchat/internal/chat"
)

const (
	// DefaultScanLimit bounds how many waiters are inspected for a language
	// match before falling back to the oldest entry.
	DefaultScanLimit = 64

	// anonIDAttempts bounds the retries when a generated anonymous id
	// collides with one already in use.
	anonIDAttempts = 8

	anonIDPrefix = "anon-"
)

// ErrAnonymousIDExhausted is returned when no unused anonymous id could be
// generated within the retry budget.
var ErrAnonymousIDExhausted = errors.New("matching: anonymous id collisions exhausted retries")

// Entry is a user waiting to be matched.
type Entry struct {
	UserID      string
	AnonymousID string
	Preferences chat.Preferences
	EnqueuedAt  time.Time
}

// SessionLookup is the view of the session store the queue needs to keep a
// user from waiting while already chatting.
type SessionLookup interface {
	InSession(userID string) bool
	AnonymousIDInUse(anonID string) bool
}

// bucket is the FIFO of one chat type. Its mutex is the critical section
// for every enqueue, match and removal within that chat type.
type bucket struct {
	mu      sync.Mutex
	entries []*Entry // oldest first
}

// Queue is the in-memory waiting queue.
//
// Lock order: bucket.mu, then membersMu, then any lock inside SessionLookup.
type Queue struct {
	sessions  SessionLookup
	scanLimit int
	now       func() time.Time
	newAnonID func() string

	buckets map[chat.ChatType]*bucket

	membersMu sync.Mutex
	members   map[string]*Entry   // user id -> entry, across all buckets
	anon      map[string]struct{} // anonymous ids held by queued users
}

// NewQueue creates an empty queue. A non-positive scanLimit selects
// DefaultScanLimit.
func NewQueue(sessions SessionLookup, scanLimit int) *Queue {
	if scanLimit <= 0 {
		scanLimit = DefaultScanLimit
	}
	q := &Queue{
		sessions:  sessions,
		scanLimit: scanLimit,
		now:       time.Now,
		newAnonID: randomAnonymousID,
		buckets:   make(map[chat.ChatType]*bucket, len(chat.ChatTypes)),
		members:   make(map[string]*Entry),
		anon:      make(map[string]struct{}),
	}
	for _, ct := range chat.ChatTypes {
		q.buckets[ct] = &bucket{}
	}
	return q
}

// SetClock replaces the time source used to stamp entries.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// randomAnonymousID returns "anon-" followed by 8 hex characters taken from
// a random UUID.
func randomAnonymousID() string {
	return anonIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (q *Queue) bucket(ct chat.ChatType) (*bucket, error) {
	b, ok := q.buckets[ct]
	if !ok {
		return nil, fmt.Errorf("%w: unknown chat type %q", chat.ErrInvalidPreferences, ct)
	}
	return b, nil
}

// Enqueue adds the user to the bucket of their chat type and assigns a
// fresh anonymous id.
func (q *Queue) Enqueue(userID string, prefs chat.Preferences) (Entry, error) {
	prefs, err := prefs.Normalize()
	if err != nil {
		return Entry{}, err
	}
	b, err := q.bucket(prefs.ChatType)
	if err != nil {
		return Entry{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := q.enqueueLocked(b, userID, prefs)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

func (q *Queue) enqueueLocked(b *bucket, userID string, prefs chat.Preferences) (*Entry, error) {
	q.membersMu.Lock()
	defer q.membersMu.Unlock()

	if _, queued := q.members[userID]; queued {
		return nil, chat.ErrAlreadyQueued
	}
	if q.sessions != nil && q.sessions.InSession(userID) {
		return nil, chat.ErrAlreadyInSession
	}

	anonID, err := q.allocateAnonIDLocked()
	if err != nil {
		return nil, err
	}

	e := &Entry{
		UserID:      userID,
		AnonymousID: anonID,
		Preferences: prefs,
		EnqueuedAt:  q.now(),
	}
	b.entries = append(b.entries, e)
	q.members[userID] = e
	q.anon[anonID] = struct{}{}
	return e, nil
}

// allocateAnonIDLocked is called with membersMu held.
func (q *Queue) allocateAnonIDLocked() (string, error) {
	for i := 0; i < anonIDAttempts; i++ {
		id := q.newAnonID()
		if _, taken := q.anon[id]; taken {
			continue
		}
		if q.sessions != nil && q.sessions.AnonymousIDInUse(id) {
			continue
		}
		return id, nil
	}
	return "", ErrAnonymousIDExhausted
}

// Dequeue removes the user from whichever bucket holds them.
func (q *Queue) Dequeue(userID string) (Entry, error) {
	q.membersMu.Lock()
	e, ok := q.members[userID]
	q.membersMu.Unlock()
	if !ok {
		return Entry{}, chat.ErrNotQueued
	}

	b, err := q.bucket(e.Preferences.ChatType)
	if err != nil {
		return Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// The entry may have been matched or removed while the bucket lock was
	// not held.
	q.membersMu.Lock()
	current, ok := q.members[userID]
	q.membersMu.Unlock()
	if !ok || current != e {
		return Entry{}, chat.ErrNotQueued
	}
	q.removeLocked(b, e)
	return *e, nil
}

// removeLocked drops e from b and from the membership index. Called with
// b.mu held.
func (q *Queue) removeLocked(b *bucket, e *Entry) {
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
	q.membersMu.Lock()
	if q.members[e.UserID] == e {
		delete(q.members, e.UserID)
	}
	delete(q.anon, e.AnonymousID)
	q.membersMu.Unlock()
}

// FindMatch returns the partner the matchmaker would pick for the queued
// user, without removing anyone.
func (q *Queue) FindMatch(userID string) (Entry, bool) {
	e, ok := q.lookup(userID)
	if !ok {
		return Entry{}, false
	}
	b, err := q.bucket(e.Preferences.ChatType)
	if err != nil {
		return Entry{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	partner := q.findMatchLocked(b, e)
	if partner == nil {
		return Entry{}, false
	}
	return *partner, true
}

// findMatchLocked picks a partner for e. Called with b.mu held.
func (q *Queue) findMatchLocked(b *bucket, e *Entry) *Entry {
	if m := q.tryLanguageMatch(b, e); m != nil {
		return m
	}
	return tryOldest(b, e)
}

// tryLanguageMatch returns the oldest waiter within the scan window whose
// language is compatible with e.
func (q *Queue) tryLanguageMatch(b *bucket, e *Entry) *Entry {
	scanned := 0
	for _, cand := range b.entries {
		if cand == e {
			continue
		}
		if scanned >= q.scanLimit {
			break
		}
		scanned++
		if chat.LanguageCompatible(e.Preferences.Language, cand.Preferences.Language) {
			return cand
		}
	}
	return nil
}

// tryOldest pairs e with the longest waiter regardless of language.
func tryOldest(b *bucket, e *Entry) *Entry {
	for _, cand := range b.entries {
		if cand != e {
			return cand
		}
	}
	return nil
}

func (q *Queue) lookup(userID string) (*Entry, bool) {
	q.membersMu.Lock()
	defer q.membersMu.Unlock()
	e, ok := q.members[userID]
	return e, ok
}

// Entry returns the user's queue entry.
func (q *Queue) Entry(userID string) (Entry, bool) {
	e, ok := q.lookup(userID)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// IsQueued reports whether the user is waiting.
func (q *Queue) IsQueued(userID string) bool {
	_, ok := q.lookup(userID)
	return ok
}

// Position returns the 1-based position of the user among the waiters they
// could be matched with on language: 1 plus the compatible entries ahead.
func (q *Queue) Position(userID string) (int, error) {
	e, ok := q.lookup(userID)
	if !ok {
		return 0, chat.ErrNotQueued
	}
	b, err := q.bucket(e.Preferences.ChatType)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := q.lookup(userID); !ok || cur != e {
		return 0, chat.ErrNotQueued
	}
	return positionLocked(b, e), nil
}

func positionLocked(b *bucket, e *Entry) int {
	pos := 1
	for _, cand := range b.entries {
		if cand == e {
			break
		}
		if chat.LanguageCompatible(e.Preferences.Language, cand.Preferences.Language) {
			pos++
		}
	}
	return pos
}

// Expire removes and returns every entry that has been waiting since before
// the given time.
func (q *Queue) Expire(before time.Time) []Entry {
	var out []Entry
	for _, ct := range chat.ChatTypes {
		b := q.buckets[ct]
		b.mu.Lock()
		var stale []*Entry
		for _, e := range b.entries {
			if e.EnqueuedAt.Before(before) {
				stale = append(stale, e)
			}
		}
		for _, e := range stale {
			q.removeLocked(b, e)
			out = append(out, *e)
		}
		b.mu.Unlock()
	}
	return out
}

// Len returns the number of waiting users across all chat types.
func (q *Queue) Len() int {
	q.membersMu.Lock()
	defer q.membersMu.Unlock()
	return len(q.members)
}

// Sizes returns the number of waiting users per chat type.
func (q *Queue) Sizes() map[chat.ChatType]int {
	out := make(map[chat.ChatType]int, len(q.buckets))
	for ct, b := range q.buckets {
		b.mu.Lock()
		out[ct] = len(b.entries)
		b.mu.Unlock()
	}
	return out
}
