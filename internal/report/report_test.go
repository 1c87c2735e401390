package report

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/randomchat/internal/chat"
)

func newReport(sessionID, reported string, reason Reason, at time.Time) *Report {
	return &Report{
		ID:                  uuid.NewString(),
		SessionID:           sessionID,
		ReporterID:          "reporter",
		ReportedUserID:      reported,
		ReportedAnonymousID: "anon-" + reported,
		Reason:              reason,
		EvidenceMessageIDs:  []string{"m1"},
		Evidence: []EvidenceMessage{
			{MessageID: "m1", SenderID: reported, AnonymousID: "anon-" + reported, Content: "rude", Timestamp: at},
		},
		CreatedAt: at,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		reason  Reason
		desc    string
		wantErr error
	}{
		{"harassment", ReasonHarassment, "", nil},
		{"spam", ReasonSpam, "buy now", nil},
		{"explicit", ReasonExplicit, "", nil},
		{"other", ReasonOther, strings.Repeat("x", MaxDescriptionChars), nil},
		{"unknown reason", "rude", "", chat.ErrInvalidReason},
		{"empty reason", "", "", chat.ErrInvalidReason},
		{"description too long", ReasonOther, strings.Repeat("x", MaxDescriptionChars+1), chat.ErrContentTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Report{Reason: tt.reason, Description: tt.desc}
			err := r.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEvidenceFrom(t *testing.T) {
	at := time.Unix(100, 0)
	ev := EvidenceFrom(chat.Message{ID: "m1", SenderID: "bob", AnonymousID: "anon-b", Content: "hi", Timestamp: at})
	assert.Equal(t, EvidenceMessage{MessageID: "m1", SenderID: "bob", AnonymousID: "anon-b", Content: "hi", Timestamp: at}, ev)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Create(ctx, newReport("s1", "bob", ReasonSpam, now.Add(-time.Hour))))
	require.NoError(t, s.Create(ctx, newReport("s2", "bob", ReasonHarassment, now.Add(-48*time.Hour))))
	require.NoError(t, s.Create(ctx, newReport("s1", "carol", ReasonOther, now)))

	err := s.Create(ctx, newReport("s3", "bob", "bogus", now))
	assert.ErrorIs(t, err, chat.ErrInvalidReason)

	got, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].ReportedUserID)
	assert.Equal(t, "rude", got[0].Evidence[0].Content)

	n, err := s.CountRecent(ctx, "bob", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStoreCopiesInput(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newReport("s1", "bob", ReasonSpam, time.Now())
	require.NoError(t, s.Create(ctx, r))

	r.EvidenceMessageIDs[0] = "mutated"
	got, err := s.ListBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got[0].EvidenceMessageIDs[0])
}

// newTestDB connects to the database named by TEST_DATABASE_URL and applies
// migrations. Tests that call this helper are skipped when it is unset or
// unreachable.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DELETE FROM abuse_reports WHERE session_id LIKE 'test_%'`)
		db.Close()
	})
	return db
}

func TestPostgresStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	sessionID := "test_" + uuid.NewString()
	reported := "test_user_" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.Create(ctx, newReport(sessionID, reported, ReasonExplicit, now)))

	got, err := s.ListBySession(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonExplicit, got[0].Reason)
	assert.Equal(t, []string{"m1"}, got[0].EvidenceMessageIDs)
	require.Len(t, got[0].Evidence, 1)
	assert.Equal(t, "rude", got[0].Evidence[0].Content)

	n, err := s.CountRecent(ctx, reported, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.Create(ctx, newReport(sessionID, reported, "bogus", now))
	assert.ErrorIs(t, err, chat.ErrInvalidReason)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, Migrate(db))
}
