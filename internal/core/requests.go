package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/repligrid/repligrid/internal/model"
)

// RequestQueue manages transfer and deletion intents. Requests are
// idempotent by (identifier, destination, kind): re-emitting for a pair
// that is already QUEUED or SUBMITTED is a no-op.
type RequestQueue struct {
	db *sql.DB
}

// NewRequestQueue creates a request queue over the catalog database.
func NewRequestQueue(db *sql.DB) *RequestQueue {
	return &RequestQueue{db: db}
}

const requestColumns = `id, scope, name, source_rse, dest_rse, request_type, state, attempts, rule_id, error, created_at, updated_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*model.Request, error) {
	var r model.Request
	var source, ruleID, errText sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Scope, &r.Name, &source, &r.DestRSE, &r.Type, &r.State,
		&r.Attempts, &ruleID, &errText, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.SourceRSE = source.String
	r.RuleID = ruleID.String
	r.Error = errText.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// Create enqueues a corrective intent. Returns the open request and
// whether this call created it; an already-open identical intent is
// returned as-is.
func (rq *RequestQueue) Create(ctx context.Context, req *model.Request) (*model.Request, bool, error) {
	existing, err := rq.openRequest(ctx, req.Scope, req.Name, req.DestRSE, req.Type)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	req.ID = uuid.New().String()
	req.State = model.RequestStateQueued
	now := time.Now()
	req.CreatedAt = now
	req.UpdatedAt = now

	var source, ruleID interface{}
	if req.SourceRSE != "" {
		source = req.SourceRSE
	}
	if req.RuleID != "" {
		ruleID = req.RuleID
	}
	_, err = rq.db.ExecContext(ctx, `
		INSERT INTO requests (id, scope, name, source_rse, dest_rse, request_type, state, rule_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'QUEUED', ?, ?, ?)
	`, req.ID, req.Scope, req.Name, source, req.DestRSE, req.Type, ruleID,
		formatTime(now), formatTime(now))
	if err != nil {
		// The partial unique index closes the race between the
		// pre-check and the insert: the loser re-reads the winner.
		if existing, lookupErr := rq.openRequest(ctx, req.Scope, req.Name, req.DestRSE, req.Type); lookupErr == nil && existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	return req, true, nil
}

func (rq *RequestQueue) openRequest(ctx context.Context, scope, name, dest string, kind model.RequestType) (*model.Request, error) {
	row := rq.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE scope = ? AND name = ? AND dest_rse = ? AND request_type = ? AND state IN ('QUEUED', 'SUBMITTED')
	`, scope, name, dest, kind)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up open request: %w", err)
	}
	return r, nil
}

// Get retrieves one request by id.
func (rq *RequestQueue) Get(ctx context.Context, id string) (*model.Request, error) {
	row := rq.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

// List returns requests, optionally filtered by state, newest first.
func (rq *RequestQueue) List(ctx context.Context, state model.RequestState, limit int) ([]*model.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = rq.db.QueryContext(ctx, `
			SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = rq.db.QueryContext(ctx, `
			SELECT `+requestColumns+` FROM requests WHERE state = ? ORDER BY created_at DESC LIMIT ?`, state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// OutstandingForRule counts a rule's requests still in flight.
func (rq *RequestQueue) OutstandingForRule(ctx context.Context, ruleID string) (int, error) {
	var n int
	err := rq.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests WHERE rule_id = ? AND state IN ('QUEUED', 'SUBMITTED')
	`, ruleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding requests: %w", err)
	}
	return n, nil
}

// ClaimQueued leases up to limit QUEUED requests to the claim token for
// submission to the transfer service.
func (rq *RequestQueue) ClaimQueued(ctx context.Context, token string, limit int, lease time.Duration) ([]*model.Request, error) {
	now := time.Now()
	_, err := rq.db.ExecContext(ctx, `
		UPDATE requests SET claimed_by = ?, claimed_until = ?
		WHERE id IN (
			SELECT id FROM requests
			WHERE state = 'QUEUED' AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY created_at
			LIMIT ?
		)
	`, token, formatTime(now.Add(lease)), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim requests: %w", err)
	}

	rows, err := rq.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE claimed_by = ? AND state = 'QUEUED'
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed requests: %w", err)
	}
	defer rows.Close()

	var batch []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		batch = append(batch, r)
	}
	return batch, rows.Err()
}

// MarkSubmitted moves a claimed request to SUBMITTED, conditioned on
// QUEUED so a duplicate submission attempt observes the conflict.
func (rq *RequestQueue) MarkSubmitted(ctx context.Context, id string) error {
	result, err := rq.db.ExecContext(ctx, `
		UPDATE requests SET state = 'SUBMITTED', attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND state = 'QUEUED'
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark submitted: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not QUEUED: %w", id, ErrConflict)
	}
	return nil
}

// Complete terminates a request as DONE. Idempotent: completing an
// already-DONE request is a no-op.
func (rq *RequestQueue) Complete(ctx context.Context, id string) error {
	_, err := rq.db.ExecContext(ctx, `
		UPDATE requests SET state = 'DONE', error = NULL, claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('QUEUED', 'SUBMITTED')
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to complete request: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Under the retry budget the request
// goes back to QUEUED for another round; at the budget it parks in
// FAILED for the reconciler to surface as STUCK.
func (rq *RequestQueue) Fail(ctx context.Context, id, reason string, budget int) error {
	r, err := rq.Get(ctx, id)
	if err != nil {
		return err
	}
	next := model.RequestStateQueued
	if r.Attempts >= budget {
		next = model.RequestStateFailed
	}
	_, err = rq.db.ExecContext(ctx, `
		UPDATE requests SET state = ?, error = ?, claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND state IN ('QUEUED', 'SUBMITTED')
	`, next, reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to fail request: %w", err)
	}
	return nil
}
