package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/randomchat/internal/chat"
	"github.com/whisper/randomchat/internal/metrics"
	"github.com/whisper/randomchat/internal/report"
)

// ReportInput is a participant's complaint about their partner.
type ReportInput struct {
	SessionID          string
	ReporterID         string
	Reason             report.Reason
	Description        string
	EvidenceMessageIDs []string
}

// SubmitReport records a report against the reporter's partner and ends
// the session with reason reported. Evidence ids that do not name a message
// of the session are dropped; the named messages are copied into the
// report. The report is persisted before the session ends. Reporting an
// already ended session records the report without ending anything again.
func (e *Engine) SubmitReport(ctx context.Context, in ReportInput) (report.Report, error) {
	cs, err := e.sessions.Get(in.SessionID)
	if err != nil {
		return report.Report{}, err
	}
	if !cs.IsParticipant(in.ReporterID) {
		return report.Report{}, chat.ErrReporterNotParticipant
	}
	partner, _ := cs.Partner(in.ReporterID)

	r := report.Report{
		ID:                  uuid.NewString(),
		SessionID:           cs.ID,
		ReporterID:          in.ReporterID,
		ReportedUserID:      partner.UserID,
		ReportedAnonymousID: partner.AnonymousID,
		Reason:              in.Reason,
		Description:         in.Description,
		EvidenceMessageIDs:  []string{},
		CreatedAt:           e.now(),
	}
	if err := r.Validate(); err != nil {
		return report.Report{}, err
	}

	seen := make(map[string]bool, len(in.EvidenceMessageIDs))
	for _, id := range in.EvidenceMessageIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		m, ok := cs.Message(id)
		if !ok {
			continue
		}
		r.EvidenceMessageIDs = append(r.EvidenceMessageIDs, id)
		r.Evidence = append(r.Evidence, report.EvidenceFrom(m))
	}

	if err := e.reports.Create(ctx, &r); err != nil {
		return report.Report{}, fmt.Errorf("engine: persist report: %w", err)
	}
	metrics.ReportsTotal.WithLabelValues(string(r.Reason)).Inc()
	e.log.Info("report submitted",
		zap.String("report", r.ID),
		zap.String("session", r.SessionID),
		zap.String("reason", string(r.Reason)),
		zap.Int("evidence", len(r.Evidence)))

	if _, err := e.end(cs.ID, in.ReporterID, chat.ReasonReported, true); err != nil && !errors.Is(err, chat.ErrSessionNotActive) {
		e.log.Warn("end after report failed", zap.String("session", cs.ID), zap.Error(err))
	}

	e.escalate(ctx, r.ReportedUserID)
	return r, nil
}

// escalate feeds the report into the ban counter. Failures are logged only.
func (e *Engine) escalate(ctx context.Context, userID string) {
	if e.bans == nil {
		return
	}
	st, err := e.bans.RecordReport(ctx, userID)
	if err != nil {
		e.log.Warn("ban escalation failed", zap.String("user", userID), zap.Error(err))
		return
	}
	if st.Banned {
		e.log.Info("user auto-banned",
			zap.String("user", userID),
			zap.String("reason", st.Reason),
			zap.Duration("duration", st.Remaining))
	}
}
