package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/models"
)

// ErrStateConflict is returned when a compare-and-set finds the grant in a
// state other than the expected one. It wraps ErrInvalidTransition.
var ErrStateConflict = fmt.Errorf("%w: grant state changed concurrently", perrors.ErrInvalidTransition)

const openStates = `('requested', 'approved', 'active')`

const grantColumns = `id, request_id, requester, role, duration_ms, state,
	COALESCE(approver, ''), approved_at, COALESCE(deny_reason, ''),
	activated_at, expires_at, revoked_at, COALESCE(revoked_by, ''), COALESCE(revocation_reason, ''),
	removal_pending, enforce_attempts, next_enforce_at, COALESCE(last_enforce_error, ''),
	stale_alerted, expiry_notified, COALESCE(policy_version, ''), created_at, updated_at`

// Change carries the actor and time of a mutation for its audit event.
type Change struct {
	Actor  string
	Detail string
	At     time.Time
}

// GrantFilter narrows List results. Zero values match everything.
type GrantFilter struct {
	State     models.State
	Requester string
	Role      string
	Limit     int
	Offset    int
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*models.Grant, error) {
	g := &models.Grant{}
	var durationMs, createdAt, updatedAt int64
	var approvedAt, activatedAt, expiresAt, revokedAt, nextEnforceAt sql.NullInt64
	var state, reason string
	var removalPending, staleAlerted, expiryNotified int

	err := row.Scan(
		&g.ID, &g.RequestID, &g.Requester, &g.Role, &durationMs, &state,
		&g.Approver, &approvedAt, &g.DenyReason,
		&activatedAt, &expiresAt, &revokedAt, &g.RevokedBy, &reason,
		&removalPending, &g.EnforceAttempts, &nextEnforceAt, &g.LastEnforceError,
		&staleAlerted, &expiryNotified, &g.PolicyVersion, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	g.Duration = time.Duration(durationMs) * time.Millisecond
	g.State = models.State(state)
	g.RevocationReason = models.RevocationReason(reason)
	g.ApprovedAt = msTime(approvedAt)
	g.ActivatedAt = msTime(activatedAt)
	g.ExpiresAt = msTime(expiresAt)
	g.RevokedAt = msTime(revokedAt)
	g.NextEnforceAt = msTime(nextEnforceAt)
	g.RemovalPending = removalPending == 1
	g.StaleAlerted = staleAlerted == 1
	g.ExpiryNotified = expiryNotified == 1
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	g.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return g, nil
}

func msTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateGrant persists a request and its grant in state requested together
// with the intake audit event. If an open grant already exists for the same
// requester and role, that grant is returned and created is false.
func (s *Store) CreateGrant(ctx context.Context, req *models.AccessRequest, g *models.Grant, event models.AuditEvent) (*models.Grant, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanGrant(tx.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE requester = ? AND role = ? AND state IN `+openStates,
		req.Requester, req.Role))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up open grant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO access_requests (id, requester, role, duration_ms, justification, ticket_ref, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.Requester, req.Role, req.Duration.Milliseconds(), req.Justification,
		nullString(req.TicketRef), req.CreatedAt.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("failed to save access request: %w", err)
	}

	g.State = models.StateRequested
	g.CreatedAt = req.CreatedAt
	g.UpdatedAt = req.CreatedAt
	_, err = tx.ExecContext(ctx, `
	INSERT INTO grants (id, request_id, requester, role, duration_ms, state, policy_version, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, req.ID, req.Requester, req.Role, req.Duration.Milliseconds(), string(g.State),
		nullString(g.PolicyVersion), g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli())
	if isUniqueViolation(err) {
		// Another writer opened a grant for this pair between our lookup and insert.
		_ = tx.Rollback()
		return s.openGrant(ctx, req.Requester, req.Role)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to save grant: %w", err)
	}

	event.GrantID = g.ID
	event.Kind = models.AuditTransition
	event.ToState = models.StateRequested
	event.Role = req.Role
	event.Principal = req.Requester
	if err := insertAudit(ctx, tx, &event); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit grant: %w", err)
	}

	s.export(event)
	return s.mustGet(ctx, g.ID, g)
}

func (s *Store) openGrant(ctx context.Context, requester, role string) (*models.Grant, bool, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE requester = ? AND role = ? AND state IN `+openStates,
		requester, role))
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up open grant: %w", err)
	}
	return g, false, nil
}

// mustGet re-reads a grant just written, falling back to the in-memory copy.
func (s *Store) mustGet(ctx context.Context, id string, fallback *models.Grant) (*models.Grant, bool, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("grant_id", id).Msg("failed to re-read created grant")
		return fallback, true, nil
	}
	return g, true, nil
}

// Get retrieves a grant by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("grant %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return g, nil
}

// GetRequest retrieves the access request behind a grant.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.AccessRequest, error) {
	r := &models.AccessRequest{}
	var durationMs, createdAt int64
	var ticket sql.NullString
	err := s.db.QueryRowContext(ctx, `
	SELECT id, requester, role, duration_ms, justification, ticket_ref, created_at
	FROM access_requests WHERE id = ?
	`, id).Scan(&r.ID, &r.Requester, &r.Role, &durationMs, &r.Justification, &ticket, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("access request %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get access request: %w", err)
	}
	r.Duration = time.Duration(durationMs) * time.Millisecond
	r.TicketRef = ticket.String
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}

// compareAndSet moves a grant from one state to another if, and only if, it
// is still in the expected state. The audit event is written in the same
// transaction, so a failed audit write leaves the state unchanged.
func (s *Store) compareAndSet(ctx context.Context, id string, from, to models.State, set string, args []any, ch Change) (*models.Grant, error) {
	if !models.CanTransition(from, to) {
		return nil, perrors.InvalidTransitionf("%s -> %s", from, to)
	}
	if ch.At.IsZero() {
		ch.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE grants SET state = ?, updated_at = ?` + set + ` WHERE id = ? AND state = ?`
	full := make([]any, 0, len(args)+4)
	full = append(full, string(to), ch.At.UnixMilli())
	full = append(full, args...)
	full = append(full, id, string(from))

	res, err := tx.ExecContext(ctx, query, full...)
	if err != nil {
		return nil, fmt.Errorf("failed to update grant state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		return nil, s.conflict(ctx, id, from)
	}

	g, err := scanGrant(tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to read updated grant: %w", err)
	}

	event := models.AuditEvent{
		GrantID:   id,
		Kind:      models.AuditTransition,
		FromState: from,
		ToState:   to,
		Actor:     ch.Actor,
		Role:      g.Role,
		Principal: g.Requester,
		Detail:    ch.Detail,
		CreatedAt: ch.At,
	}
	if err := insertAudit(ctx, tx, &event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	s.export(event)
	s.logger.Debug().
		Str("grant_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", ch.Actor).
		Msg("grant transitioned")
	return g, nil
}

func (s *Store) conflict(ctx context.Context, id string, expected models.State) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM grants WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("grant %s: %w", id, perrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read grant state: %w", err)
	}
	return fmt.Errorf("grant %s is %s, expected %s: %w", id, state, expected, ErrStateConflict)
}

// Approve moves a requested grant to approved.
func (s *Store) Approve(ctx context.Context, id, approver string, ch Change) (*models.Grant, error) {
	ch.Actor = approver
	if ch.At.IsZero() {
		ch.At = time.Now()
	}
	return s.compareAndSet(ctx, id, models.StateRequested, models.StateApproved,
		`, approver = ?, approved_at = ?`, []any{approver, ch.At.UnixMilli()}, ch)
}

// Deny moves a requested grant to denied.
func (s *Store) Deny(ctx context.Context, id, approver, reason string, ch Change) (*models.Grant, error) {
	ch.Actor = approver
	if ch.Detail == "" {
		ch.Detail = reason
	}
	return s.compareAndSet(ctx, id, models.StateRequested, models.StateDenied,
		`, approver = ?, deny_reason = ?`, []any{approver, nullString(reason)}, ch)
}

// Activate moves an approved grant to active. expires_at is computed here,
// once, from the duration fixed at request time.
func (s *Store) Activate(ctx context.Context, id string, ch Change) (*models.Grant, error) {
	if ch.At.IsZero() {
		ch.At = time.Now()
	}
	at := ch.At.UnixMilli()
	return s.compareAndSet(ctx, id, models.StateApproved, models.StateActive,
		`, activated_at = ?, expires_at = ? + duration_ms, next_enforce_at = NULL, last_enforce_error = NULL`,
		[]any{at, at}, ch)
}

// Terminate moves an active grant to expired or revoked and marks its
// directory removal as pending until ClearRemovalPending confirms it.
func (s *Store) Terminate(ctx context.Context, id string, to models.State, reason models.RevocationReason, ch Change) (*models.Grant, error) {
	if to != models.StateExpired && to != models.StateRevoked {
		return nil, perrors.InvalidTransitionf("%s is not a revocation state", to)
	}
	if ch.At.IsZero() {
		ch.At = time.Now()
	}
	if ch.Detail == "" {
		ch.Detail = string(reason)
	}
	return s.compareAndSet(ctx, id, models.StateActive, to,
		`, revoked_at = ?, revoked_by = ?, revocation_reason = ?, removal_pending = 1`,
		[]any{ch.At.UnixMilli(), ch.Actor, string(reason)}, ch)
}

// ClearRemovalPending records that the directory no longer lists the
// principal of a terminated grant. It returns false if nothing was pending.
func (s *Store) ClearRemovalPending(ctx context.Context, id string, ch Change) (bool, error) {
	if ch.At.IsZero() {
		ch.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE grants SET removal_pending = 0, updated_at = ? WHERE id = ? AND removal_pending = 1`,
		ch.At.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("failed to clear removal pending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	g, err := scanGrant(tx.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id))
	if err != nil {
		return false, fmt.Errorf("failed to read grant: %w", err)
	}
	event := models.AuditEvent{
		GrantID:   id,
		Kind:      models.AuditRemovalCompleted,
		Actor:     ch.Actor,
		Role:      g.Role,
		Principal: g.Requester,
		Detail:    ch.Detail,
		CreatedAt: ch.At,
	}
	if err := insertAudit(ctx, tx, &event); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit removal: %w", err)
	}
	s.export(event)
	return true, nil
}

// RecordEnforceFailure stores the retry schedule of an approved grant whose
// directory call failed. The grant stays approved.
func (s *Store) RecordEnforceFailure(ctx context.Context, id string, attempts int, next time.Time, msg string) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE grants SET enforce_attempts = ?, next_enforce_at = ?, last_enforce_error = ?, updated_at = ?
	WHERE id = ? AND state = 'approved'
	`, attempts, next.UnixMilli(), nullString(msg), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to record enforcement failure: %w", err)
	}
	return nil
}

// MarkStaleAlerted flags an approved grant whose staleness alert has fired.
// It returns false if the flag was already set.
func (s *Store) MarkStaleAlerted(ctx context.Context, id string) (bool, error) {
	return s.setFlag(ctx, id, "stale_alerted")
}

// MarkExpiryNotified flags an active grant whose expiring-soon notice was sent.
func (s *Store) MarkExpiryNotified(ctx context.Context, id string) (bool, error) {
	return s.setFlag(ctx, id, "expiry_notified")
}

func (s *Store) setFlag(ctx context.Context, id, column string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grants SET `+column+` = 1 WHERE id = ? AND `+column+` = 0`, id)
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", column, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// List returns grants matching the filter, newest first.
func (s *Store) List(ctx context.Context, f GrantFilter) ([]*models.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM grants WHERE 1=1`
	var args []any

	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Requester != "" {
		query += ` AND requester = ?`
		args = append(args, f.Requester)
	}
	if f.Role != "" {
		query += ` AND role = ?`
		args = append(args, f.Role)
	}

	query += ` ORDER BY created_at DESC, id`

	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	return s.queryGrants(ctx, query, args...)
}

// ListDueForEnforcement returns approved grants whose next attempt is due.
func (s *Store) ListDueForEnforcement(ctx context.Context, now time.Time, limit int) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants
	WHERE state = 'approved' AND (next_enforce_at IS NULL OR next_enforce_at <= ?)
	ORDER BY created_at ASC LIMIT ?
	`, now.UnixMilli(), limitOrDefault(limit))
}

// ListStaleApproved returns approved grants approved before cutoff that have
// not yet raised a staleness alert.
func (s *Store) ListStaleApproved(ctx context.Context, cutoff time.Time) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants
	WHERE state = 'approved' AND stale_alerted = 0 AND COALESCE(approved_at, created_at) <= ?
	ORDER BY created_at ASC
	`, cutoff.UnixMilli())
}

// ListExpired returns active grants whose expiry has passed.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants
	WHERE state = 'active' AND expires_at <= ?
	ORDER BY expires_at ASC LIMIT ?
	`, now.UnixMilli(), limitOrDefault(limit))
}

// ListExpiringBefore returns active grants expiring before t that have not
// been notified yet.
func (s *Store) ListExpiringBefore(ctx context.Context, t time.Time, limit int) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants
	WHERE state = 'active' AND expiry_notified = 0 AND expires_at <= ?
	ORDER BY expires_at ASC LIMIT ?
	`, t.UnixMilli(), limitOrDefault(limit))
}

// ListRemovalPending returns terminated grants whose directory removal has not
// been confirmed.
func (s *Store) ListRemovalPending(ctx context.Context, limit int) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants
	WHERE removal_pending = 1
	ORDER BY revoked_at ASC LIMIT ?
	`, limitOrDefault(limit))
}

// ActiveGrants returns the active grants for a role.
func (s *Store) ActiveGrants(ctx context.Context, role string) ([]*models.Grant, error) {
	return s.queryGrants(ctx, `
	SELECT `+grantColumns+` FROM grants WHERE state = 'active' AND role = ?
	`, role)
}

// HasActiveGrant reports whether requester currently holds role.
func (s *Store) HasActiveGrant(ctx context.Context, requester, role string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM grants WHERE state = 'active' AND requester = ? AND role = ?`,
		requester, role).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active grant: %w", err)
	}
	return n > 0, nil
}

// PendingRemovalPrincipals returns principals of a role whose removal is
// still outstanding.
func (s *Store) PendingRemovalPrincipals(ctx context.Context, role string) (map[string]bool, error) {
	return s.principals(ctx, `SELECT DISTINCT requester FROM grants WHERE removal_pending = 1 AND role = ?`, role)
}

// ApprovedPrincipals returns principals of a role with an approved grant that
// the enforcement worker has not activated yet.
func (s *Store) ApprovedPrincipals(ctx context.Context, role string) (map[string]bool, error) {
	return s.principals(ctx, `SELECT DISTINCT requester FROM grants WHERE state = 'approved' AND role = ?`, role)
}

func (s *Store) principals(ctx context.Context, query, role string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		out[p] = true
	}
	return out, rows.Err()
}

func (s *Store) queryGrants(ctx context.Context, query string, args ...any) ([]*models.Grant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []*models.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func newAuditID() string {
	return uuid.New().String()
}
