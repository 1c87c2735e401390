package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore manages abuse reports in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a report store backed by the given database
// handle. The schema is created by Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts an abuse report. Evidence is marshalled to JSONB. The
// report is validated before insertion.
func (s *PostgresStore) Create(ctx context.Context, r *Report) error {
	if err := r.Validate(); err != nil {
		return err
	}

	ids := r.EvidenceMessageIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("report: marshal evidence ids: %w", err)
	}
	evidence := r.Evidence
	if evidence == nil {
		evidence = []EvidenceMessage{}
	}
	evidenceJSON, err := json.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("report: marshal evidence: %w", err)
	}

	const query = `
		INSERT INTO abuse_reports (id, session_id, reporter_id, reported_user_id, reported_anonymous_id,
		                           reason, description, evidence_message_ids, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = s.db.ExecContext(ctx, query,
		r.ID,
		r.SessionID,
		r.ReporterID,
		r.ReportedUserID,
		r.ReportedAnonymousID,
		string(r.Reason),
		r.Description,
		idsJSON,
		evidenceJSON,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// ListBySession returns every report filed for a session, oldest first.
func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string) ([]Report, error) {
	const query = `
		SELECT id, session_id, reporter_id, reported_user_id, reported_anonymous_id,
		       reason, description, evidence_message_ids, evidence, created_at
		FROM abuse_reports
		WHERE session_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		var (
			r            Report
			reason       string
			idsJSON      []byte
			evidenceJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ReporterID, &r.ReportedUserID, &r.ReportedAnonymousID,
			&reason, &r.Description, &idsJSON, &evidenceJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		r.Reason = Reason(reason)
		if err := json.Unmarshal(idsJSON, &r.EvidenceMessageIDs); err != nil {
			return nil, fmt.Errorf("report: unmarshal evidence ids: %w", err)
		}
		if err := json.Unmarshal(evidenceJSON, &r.Evidence); err != nil {
			return nil, fmt.Errorf("report: unmarshal evidence: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	return out, nil
}

// CountRecent returns the number of reports filed against a user within the
// given time window.
func (s *PostgresStore) CountRecent(ctx context.Context, reportedUserID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_user_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedUserID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
