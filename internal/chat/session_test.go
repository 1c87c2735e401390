package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *ChatSession {
	now := time.Unix(1000, 0)
	return NewSession("s1", ChatTypeText, "en",
		Participant{UserID: "alice", AnonymousID: "anon-a"},
		Participant{UserID: "bob", AnonymousID: "anon-b"},
		now)
}

func TestNewSessionIsActive(t *testing.T) {
	cs := newTestSession()
	assert.Equal(t, StatusActive, cs.Status)
	assert.True(t, cs.Participants[0].IsActive)
	assert.True(t, cs.Participants[1].IsActive)
	assert.Equal(t, cs.StartTime, cs.LastActivityAt)
}

func TestPartner(t *testing.T) {
	cs := newTestSession()

	p, ok := cs.Partner("alice")
	require.True(t, ok)
	assert.Equal(t, "bob", p.UserID)

	p, ok = cs.Partner("bob")
	require.True(t, ok)
	assert.Equal(t, "alice", p.UserID)

	_, ok = cs.Partner("mallory")
	assert.False(t, ok)
}

func TestAppendMessage(t *testing.T) {
	cs := newTestSession()
	at := cs.StartTime.Add(time.Minute)

	err := cs.AppendMessage(Message{ID: "m1", SenderID: "alice", Content: "hi", Timestamp: at})
	require.NoError(t, err)
	assert.Equal(t, 1, cs.MessageCount)
	assert.Equal(t, at, cs.LastActivityAt)

	err = cs.AppendMessage(Message{ID: "m2", SenderID: "mallory", Content: "hi", Timestamp: at})
	assert.ErrorIs(t, err, ErrSenderNotParticipant)
	assert.Equal(t, 1, cs.MessageCount)
}

func TestEndIsTerminal(t *testing.T) {
	cs := newTestSession()
	at := cs.StartTime.Add(time.Minute)

	require.NoError(t, cs.End(ReasonUserLeft, "alice", at))
	assert.Equal(t, StatusEnded, cs.Status)
	assert.Equal(t, ReasonUserLeft, cs.EndReason)
	assert.Equal(t, "alice", cs.EndedBy)
	assert.Equal(t, at, cs.EndTime)
	assert.False(t, cs.Participants[0].IsActive)
	assert.False(t, cs.Participants[1].IsActive)

	err := cs.End(ReasonReported, "bob", at.Add(time.Second))
	assert.True(t, errors.Is(err, ErrSessionNotActive))
	assert.Equal(t, ReasonUserLeft, cs.EndReason, "second End must not overwrite the first")

	err = cs.AppendMessage(Message{ID: "m1", SenderID: "bob", Content: "still there?", Timestamp: at})
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestSummaryHidesUserIDs(t *testing.T) {
	cs := newTestSession()
	s := cs.Summary("alice")
	assert.Equal(t, "anon-a", s.AnonymousID)
	assert.Equal(t, "anon-b", s.PartnerAnonymousID)
	assert.True(t, s.PartnerActive)
	assert.Equal(t, StatusActive, s.Status)
}

func TestCloneIsDeep(t *testing.T) {
	cs := newTestSession()
	require.NoError(t, cs.AppendMessage(Message{ID: "m1", SenderID: "alice", Content: "one", Timestamp: cs.StartTime}))

	c := cs.Clone()
	require.NoError(t, cs.AppendMessage(Message{ID: "m2", SenderID: "bob", Content: "two", Timestamp: cs.StartTime}))

	assert.Len(t, c.Messages(), 1)
	assert.Len(t, cs.Messages(), 2)
}

func TestPreferencesNormalize(t *testing.T) {
	p, err := Preferences{ChatType: ChatTypeVideo, Language: "  EN "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "en", p.Language)

	p, err = Preferences{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ChatTypeText, p.ChatType)

	_, err = Preferences{ChatType: "audio"}.Normalize()
	assert.ErrorIs(t, err, ErrInvalidPreferences)
}

func TestLanguageCompatible(t *testing.T) {
	assert.True(t, LanguageCompatible("en", "en"))
	assert.True(t, LanguageCompatible("", "en"))
	assert.True(t, LanguageCompatible("fr", ""))
	assert.False(t, LanguageCompatible("en", "fr"))
}
