package ws

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/engine"
	"github.com/whisper/randomchat/internal/protocol"
	"github.com/whisper/randomchat/internal/ratelimit"
	"github.com/whisper/randomchat/internal/report"
)

// registerHandlers wires every client message type to the engine.
func (s *Server) registerHandlers() {
	s.dispatcher.Register(protocol.TypeJoinQueue, s.handleJoinQueue)
	s.dispatcher.Register(protocol.TypeLeaveQueue, s.handleLeaveQueue)
	s.dispatcher.Register(protocol.TypeMessage, s.handleMessage)
	s.dispatcher.Register(protocol.TypeEndSession, s.handleEndSession)
	s.dispatcher.Register(protocol.TypeReport, s.handleReport)
	s.dispatcher.Register(protocol.TypeGetSession, s.handleGetSession)
}

func (s *Server) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.RequestTimeout)
}

// allow applies rule to the connection's user and tells the client when it
// is throttled.
func (s *Server) allow(ctx context.Context, c *Connection, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(ctx, c.UserID, rule)
	if ok {
		return true
	}
	retry := s.limiter.RetryAfter(ctx, c.UserID, rule)
	s.dispatcher.reply(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(math.Ceil(retry.Seconds())),
	})
	return false
}

// replyError turns an engine error into the matching server message.
func (s *Server) replyError(c *Connection, err error) {
	var banErr *engine.BanError
	if errors.As(err, &banErr) {
		s.dispatcher.reply(c, protocol.TypeBanned, protocol.BannedMsg{
			Duration: int(math.Ceil(banErr.Status.Remaining.Seconds())),
			Reason:   banErr.Status.Reason,
		})
		return
	}

	data, buildErr := protocol.NewError(err)
	if buildErr != nil {
		s.log.Error("build error reply failed", zap.Error(buildErr))
		return
	}
	s.dispatcher.send(c, data)
}

func (s *Server) handleJoinQueue(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.JoinQueueMsg)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	if !s.allow(ctx, c, ratelimit.RuleJoin) {
		return
	}
	res, err := s.engine.JoinQueue(ctx, c.UserID, m.Preferences())
	if err != nil {
		s.replyError(c, err)
		return
	}
	// A match is announced to both users through their event subjects.
	if q := res.Queued; q != nil {
		s.dispatcher.reply(c, protocol.TypeQueued, protocol.QueuedMsg{
			AnonymousID:   q.AnonymousID,
			Position:      q.Position,
			EstimatedWait: q.EstimatedWait.Seconds(),
		})
	}
}

func (s *Server) handleLeaveQueue(c *Connection, _ interface{}) {
	ctx, cancel := s.requestContext()
	defer cancel()

	if err := s.engine.LeaveQueue(ctx, c.UserID); err != nil {
		s.replyError(c, err)
		return
	}
	s.dispatcher.reply(c, protocol.TypeSession, protocol.SessionMsg{})
}

func (s *Server) handleMessage(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	if !s.allow(ctx, c, ratelimit.RuleMessage) {
		return
	}
	sent, err := s.engine.SendMessage(ctx, m.SessionID, c.UserID, m.Content, m.MessageType)
	if err != nil {
		s.replyError(c, err)
		return
	}
	s.dispatcher.reply(c, protocol.TypeMessageSent, protocol.MessageSentMsg{
		SessionID: sent.SessionID,
		MessageID: sent.ID,
		Content:   sent.Content,
		Ts:        protocol.Millis(sent.Timestamp),
	})
}

func (s *Server) handleEndSession(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.EndSessionMsg)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	// session_ended reaches both participants as an event.
	if _, err := s.engine.EndSession(ctx, m.SessionID, c.UserID, m.Reason); err != nil {
		s.replyError(c, err)
	}
}

func (s *Server) handleReport(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.ReportMsg)
	if !ok {
		return
	}
	ctx, cancel := s.requestContext()
	defer cancel()

	r, err := s.engine.SubmitReport(ctx, engine.ReportInput{
		SessionID:          m.SessionID,
		ReporterID:         c.UserID,
		Reason:             report.Reason(m.Reason),
		Description:        m.Description,
		EvidenceMessageIDs: m.EvidenceMessageIDs,
	})
	if err != nil {
		s.replyError(c, err)
		return
	}
	s.dispatcher.reply(c, protocol.TypeReportSubmitted, protocol.ReportSubmittedMsg{
		ReportID:  r.ID,
		SessionID: r.SessionID,
	})
}

func (s *Server) handleGetSession(c *Connection, _ interface{}) {
	resp := protocol.SessionMsg{}
	if summary, ok := s.engine.GetActiveSession(c.UserID); ok {
		resp.Session = &summary
	}
	s.dispatcher.reply(c, protocol.TypeSession, resp)
}
