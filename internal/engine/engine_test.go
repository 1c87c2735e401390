package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/whisper/randomchat/internal/ban"
	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/report"
	"github.com/whisper/randomchat/internal/session"
)

// recorder is a Notifier that keeps every event per user.
type recorder struct {
	mu     sync.Mutex
	events map[string][]chat.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]chat.Event)}
}

func (r *recorder) Notify(userID string, ev chat.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[userID] = append(r.events[userID], ev)
	return nil
}

func (r *recorder) of(userID string, typ chat.EventType) []chat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chat.Event
	for _, ev := range r.events[userID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// mockBans is a testify mock of BanChecker.
type mockBans struct {
	mock.Mock
}

func (m *mockBans) Check(ctx context.Context, userID string) (ban.Status, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(ban.Status), args.Error(1)
}

func (m *mockBans) RecordReport(ctx context.Context, userID string) (ban.Status, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(ban.Status), args.Error(1)
}

type fixture struct {
	eng     *Engine
	events  *recorder
	reports *report.MemoryStore
	clock   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, bans BanChecker) *fixture {
	t.Helper()
	f := &fixture{
		events:  newRecorder(),
		reports: report.NewMemoryStore(),
		clock:   &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.eng = New(DefaultConfig(), Deps{
		Sessions: session.NewStore(nil),
		Reports:  f.reports,
		Notifier: f.events,
		Bans:     bans,
		Clock:    f.clock.Now,
	})
	return f
}

var en = chat.Preferences{ChatType: chat.ChatTypeText, Language: "en"}

// pair joins a and b and returns the session id.
func (f *fixture) pair(t *testing.T, a, b string) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.eng.JoinQueue(ctx, a, en)
	require.NoError(t, err)
	res, err := f.eng.JoinQueue(ctx, b, en)
	require.NoError(t, err)
	require.NotNil(t, res.Matched)
	return res.Matched.SessionID
}

func TestScenarioTwoEnglishUsersMatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resA, err := f.eng.JoinQueue(ctx, "A", en)
	require.NoError(t, err)
	require.NotNil(t, resA.Queued)

	resB, err := f.eng.JoinQueue(ctx, "B", en)
	require.NoError(t, err)
	require.NotNil(t, resB.Matched)

	foundA := f.events.of("A", chat.EventMatchFound)
	foundB := f.events.of("B", chat.EventMatchFound)
	require.Len(t, foundA, 1)
	require.Len(t, foundB, 1)

	assert.Equal(t, foundA[0].SessionID, foundB[0].SessionID)
	assert.Equal(t, resB.Matched.SessionID, foundA[0].SessionID)
	assert.Equal(t, foundA[0].AnonymousID, foundB[0].PartnerAnonymousID)
	assert.Equal(t, foundB[0].AnonymousID, foundA[0].PartnerAnonymousID)
	assert.Equal(t, resA.Queued.AnonymousID, foundA[0].AnonymousID)
	assert.Equal(t, 0, f.eng.QueueLen())
}

func TestScenarioWaitingAlone(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.eng.JoinQueue(context.Background(), "A", en)
	require.NoError(t, err)
	require.NotNil(t, res.Queued)
	assert.Equal(t, 1, res.Queued.Position)

	_, ok := f.eng.GetActiveSession("A")
	assert.False(t, ok)

	pos, err := f.eng.QueuePosition("A")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestScenarioReportEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	msg, err := f.eng.SendMessage(ctx, sid, "B", "you are awful", chat.MessageText)
	require.NoError(t, err)

	r, err := f.eng.SubmitReport(ctx, ReportInput{
		SessionID:          sid,
		ReporterID:         "A",
		Reason:             report.ReasonHarassment,
		EvidenceMessageIDs: []string{msg.ID, "no-such-message"},
	})
	require.NoError(t, err)
	assert.Equal(t, "B", r.ReportedUserID)
	assert.Equal(t, []string{msg.ID}, r.EvidenceMessageIDs)
	require.Len(t, r.Evidence, 1)
	assert.Equal(t, "you are awful", r.Evidence[0].Content)

	_, err = f.eng.SendMessage(ctx, sid, "B", "hello?", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrSessionNotActive)

	summary, ok := f.eng.GetActiveSession("B")
	require.True(t, ok)
	assert.Equal(t, chat.StatusEnded, summary.Status)
	assert.Equal(t, chat.ReasonReported, summary.EndReason)

	stored, err := f.reports.ListBySession(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	assert.Len(t, f.events.of("B", chat.EventPartnerLeft), 1)
	assert.Len(t, f.events.of("A", chat.EventSessionEnded), 1)
	assert.Len(t, f.events.of("B", chat.EventSessionEnded), 1)
}

func TestReportOnEndedSessionDoesNotEndTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	_, err := f.eng.EndSession(ctx, sid, "B", "")
	require.NoError(t, err)

	_, err = f.eng.SubmitReport(ctx, ReportInput{SessionID: sid, ReporterID: "A", Reason: report.ReasonSpam})
	require.NoError(t, err)

	summary, ok := f.eng.GetActiveSession("A")
	require.True(t, ok)
	assert.Equal(t, chat.ReasonUserLeft, summary.EndReason)
	assert.Len(t, f.events.of("A", chat.EventSessionEnded), 1)
}

func TestSubmitReportErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	_, err := f.eng.SubmitReport(ctx, ReportInput{SessionID: "nope", ReporterID: "A", Reason: report.ReasonSpam})
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	_, err = f.eng.SubmitReport(ctx, ReportInput{SessionID: sid, ReporterID: "C", Reason: report.ReasonSpam})
	assert.ErrorIs(t, err, chat.ErrReporterNotParticipant)

	_, err = f.eng.SubmitReport(ctx, ReportInput{SessionID: sid, ReporterID: "A", Reason: "rude"})
	assert.ErrorIs(t, err, chat.ErrInvalidReason)

	// Nothing was ended by the rejected reports.
	summary, ok := f.eng.GetActiveSession("A")
	require.True(t, ok)
	assert.Equal(t, chat.StatusActive, summary.Status)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	_, err := f.eng.SendMessage(ctx, sid, "A", "   \n\t ", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrContentEmpty)

	_, err = f.eng.SendMessage(ctx, sid, "A", strings.Repeat("x", 2001), chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrContentTooLong)

	_, err = f.eng.SendMessage(ctx, sid, "A", "hi", "sticker")
	assert.ErrorIs(t, err, chat.ErrInvalidMessageType)

	// Participants cannot forge system notices.
	_, err = f.eng.SendMessage(ctx, sid, "B", "Your partner has been banned", chat.MessageSystem)
	assert.ErrorIs(t, err, chat.ErrInvalidMessageType)

	_, err = f.eng.SendMessage(ctx, "nope", "A", "hi", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	_, err = f.eng.SendMessage(ctx, sid, "C", "hi", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrSenderNotParticipant)

	summary, _ := f.eng.GetActiveSession("A")
	assert.Equal(t, 0, summary.MessageCount)
}

func TestSendMessageErrorOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")
	_, err := f.eng.EndSession(ctx, sid, "A", chat.ReasonUserLeft)
	require.NoError(t, err)

	// An ended session is reported before bad content.
	_, err = f.eng.SendMessage(ctx, sid, "B", "", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrSessionNotActive)

	// A stranger is reported before the session state.
	_, err = f.eng.SendMessage(ctx, sid, "C", "", chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrSenderNotParticipant)
}

func TestMessageRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	var sent []chat.Message
	for i := 0; i < 60; i++ {
		sender := "A"
		if i%2 == 1 {
			sender = "B"
		}
		f.clock.Advance(time.Second)
		m, err := f.eng.SendMessage(ctx, sid, sender, fmt.Sprintf("  message %d  ", i), chat.MessageText)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("message %d", i), m.Content)
		sent = append(sent, m)
	}

	got, err := f.eng.Messages(sid, "B", 0)
	require.NoError(t, err)
	require.Len(t, got, chat.RecentMessageLimit)
	assert.Equal(t, sent[len(sent)-chat.RecentMessageLimit:], got)

	got, err = f.eng.Messages(sid, "A", 5)
	require.NoError(t, err)
	assert.Equal(t, sent[len(sent)-5:], got)

	_, err = f.eng.Messages(sid, "C", 5)
	assert.ErrorIs(t, err, chat.ErrSenderNotParticipant)

	relayed := f.events.of("B", chat.EventMessageReceived)
	require.Len(t, relayed, 30)
	assert.Equal(t, sent[0].ID, relayed[0].Message.ID)
	assert.Equal(t, sent[0].AnonymousID, relayed[0].PartnerAnonymousID)

	summary, _ := f.eng.GetActiveSession("A")
	assert.Equal(t, 60, summary.MessageCount)
	assert.Equal(t, sent[len(sent)-1].Timestamp, summary.LastActivityAt)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	_, err := f.eng.EndSession(ctx, sid, "A", chat.ReasonTimeout)
	assert.ErrorIs(t, err, chat.ErrInvalidReason)
	_, err = f.eng.EndSession(ctx, sid, "A", chat.ReasonReported)
	assert.ErrorIs(t, err, chat.ErrInvalidReason)
	_, err = f.eng.EndSession(ctx, "nope", "A", "")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = f.eng.EndSession(ctx, sid, "C", "")
	assert.ErrorIs(t, err, chat.ErrSenderNotParticipant)

	summary, err := f.eng.EndSession(ctx, sid, "A", "")
	require.NoError(t, err)
	assert.Equal(t, chat.StatusEnded, summary.Status)
	assert.Equal(t, chat.ReasonUserLeft, summary.EndReason)
	assert.False(t, summary.PartnerActive)

	_, err = f.eng.EndSession(ctx, sid, "B", "")
	assert.ErrorIs(t, err, chat.ErrSessionNotActive)

	assert.Len(t, f.events.of("B", chat.EventPartnerLeft), 1)
	assert.Empty(t, f.events.of("A", chat.EventPartnerLeft))

	// Both may queue again; the ended session is then hidden.
	res, err := f.eng.JoinQueue(ctx, "A", en)
	require.NoError(t, err)
	require.NotNil(t, res.Queued)
	_, ok := f.eng.GetActiveSession("A")
	assert.False(t, ok)
	require.NoError(t, f.eng.LeaveQueue(ctx, "A"))
	_, ok = f.eng.GetActiveSession("A")
	assert.False(t, ok)
}

func TestConcurrentEndExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "A"
			if i%2 == 1 {
				user = "B"
			}
			_, err := f.eng.EndSession(ctx, sid, user, "")
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, chat.ErrSessionNotActive)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.Len(t, f.events.of("A", chat.EventSessionEnded), 1)
}

func TestJoinQueueErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.eng.JoinQueue(ctx, "A", en)
	require.NoError(t, err)
	_, err = f.eng.JoinQueue(ctx, "A", en)
	assert.ErrorIs(t, err, chat.ErrAlreadyQueued)

	_, err = f.eng.JoinQueue(ctx, "B", chat.Preferences{ChatType: "hologram"})
	assert.ErrorIs(t, err, chat.ErrInvalidPreferences)

	_, err = f.eng.JoinQueue(ctx, "B", en)
	require.NoError(t, err)
	_, err = f.eng.JoinQueue(ctx, "B", en)
	assert.ErrorIs(t, err, chat.ErrAlreadyInSession)

	assert.ErrorIs(t, f.eng.LeaveQueue(ctx, "A"), chat.ErrNotQueued)
}

func TestJoinQueueBanned(t *testing.T) {
	bans := &mockBans{}
	bans.On("Check", mock.Anything, "bad").Return(ban.Status{Banned: true, Reason: "multiple_reports", Remaining: time.Hour}, nil)
	bans.On("Check", mock.Anything, "flaky").Return(ban.Status{}, errors.New("redis down"))
	f := newFixture(t, bans)
	ctx := context.Background()

	_, err := f.eng.JoinQueue(ctx, "bad", en)
	require.ErrorIs(t, err, chat.ErrBanned)
	var banErr *BanError
	require.True(t, errors.As(err, &banErr))
	assert.Equal(t, time.Hour, banErr.Status.Remaining)

	// A failing ban store does not block matching.
	_, err = f.eng.JoinQueue(ctx, "flaky", en)
	assert.NoError(t, err)

	bans.AssertExpectations(t)
}

func TestReportFeedsBanEscalation(t *testing.T) {
	bans := &mockBans{}
	bans.On("Check", mock.Anything, mock.Anything).Return(ban.Status{}, nil)
	bans.On("RecordReport", mock.Anything, "B").Return(ban.Status{Banned: true, Reason: ban.ReasonMultipleReports, Remaining: ban.Ban24Hour}, nil).Once()
	f := newFixture(t, bans)
	sid := f.pair(t, "A", "B")

	_, err := f.eng.SubmitReport(context.Background(), ReportInput{SessionID: sid, ReporterID: "A", Reason: report.ReasonSpam})
	require.NoError(t, err)
	bans.AssertExpectations(t)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.eng.JoinQueue(ctx, "waiting", chat.Preferences{ChatType: chat.ChatTypeVideo})
	require.NoError(t, err)
	f.eng.Disconnect(ctx, "waiting")
	assert.Equal(t, 0, f.eng.QueueLen())

	sid := f.pair(t, "A", "B")
	f.eng.Disconnect(ctx, "A")

	summary, ok := f.eng.GetActiveSession("B")
	require.True(t, ok)
	assert.Equal(t, sid, summary.SessionID)
	assert.Equal(t, chat.ReasonPartnerLeft, summary.EndReason)
	assert.Len(t, f.events.of("B", chat.EventPartnerLeft), 1)

	// Unknown users are a no-op.
	f.eng.Disconnect(ctx, "ghost")
}

func TestSweepIdle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	quiet := f.pair(t, "A", "B")
	busy := f.pair(t, "C", "D")

	f.clock.Advance(2 * time.Minute)
	_, err := f.eng.SendMessage(ctx, busy, "C", "still here", chat.MessageText)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, f.eng.SweepIdle(ctx))

	summary, _ := f.eng.GetActiveSession("A")
	assert.Equal(t, quiet, summary.SessionID)
	assert.Equal(t, chat.ReasonTimeout, summary.EndReason)
	assert.Len(t, f.events.of("B", chat.EventSessionEnded), 1)
	assert.Empty(t, f.events.of("B", chat.EventPartnerLeft))

	summary, _ = f.eng.GetActiveSession("C")
	assert.Equal(t, chat.StatusActive, summary.Status)
}

func TestSweepQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.eng.JoinQueue(ctx, "A", chat.Preferences{ChatType: chat.ChatTypeVideo})
	require.NoError(t, err)

	f.clock.Advance(f.eng.cfg.QueueMaxWait - time.Second)
	assert.Equal(t, 0, f.eng.SweepQueue(ctx))

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.eng.SweepQueue(ctx))
	assert.Equal(t, 0, f.eng.QueueLen())
	assert.Len(t, f.events.of("A", chat.EventQueueTimeout), 1)
}

func TestPurge(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sid := f.pair(t, "A", "B")
	_, err := f.eng.EndSession(ctx, sid, "A", "")
	require.NoError(t, err)

	n, err := f.eng.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(f.eng.cfg.Retention + time.Second)
	n, err = f.eng.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok := f.eng.GetActiveSession("A")
	assert.False(t, ok)
	_, err = f.eng.Messages(sid, "A", 0)
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}
