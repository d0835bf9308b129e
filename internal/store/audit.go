package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/p-blackswan/privileged-access/internal/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, ex execer, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = newAuditID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := ex.ExecContext(ctx, `
	INSERT INTO audit_events (id, grant_id, kind, from_state, to_state, actor, role, principal, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.GrantID), string(e.Kind),
		nullString(string(e.FromState)), nullString(string(e.ToState)),
		e.Actor, nullString(e.Role), nullString(e.Principal), nullString(e.Detail),
		e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// AppendAudit writes an audit event that is not tied to a state transition,
// such as a drift finding.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEvent) error {
	if err := insertAudit(ctx, s.db, &e); err != nil {
		return err
	}
	s.export(e)
	return nil
}

// ListAudit returns the audit trail, oldest first. An empty grantID returns
// every event. This is the compliance read path; the orchestrator itself
// never consults it.
func (s *Store) ListAudit(ctx context.Context, grantID string) ([]models.AuditEvent, error) {
	query := `
	SELECT id, COALESCE(grant_id, ''), kind, COALESCE(from_state, ''), COALESCE(to_state, ''),
	       actor, COALESCE(role, ''), COALESCE(principal, ''), COALESCE(detail, ''), created_at
	FROM audit_events`
	var args []any
	if grantID != "" {
		query += ` WHERE grant_id = ?`
		args = append(args, grantID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var kind, from, to string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.GrantID, &kind, &from, &to,
			&e.Actor, &e.Role, &e.Principal, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Kind = models.AuditKind(kind)
		e.FromState = models.State(from)
		e.ToState = models.State(to)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
