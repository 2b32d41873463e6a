package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/repligrid/repligrid/internal/model"
)

// RuleStore is the durable store of replication rules and their lock
// accounting. The cached lock counters on a rule are a convenience;
// RecomputeSatisfaction restores them from the locks table at any time.
type RuleStore struct {
	db      *sql.DB
	catalog *Catalog
}

// NewRuleStore creates a rule store sharing the catalog database.
func NewRuleStore(db *sql.DB, catalog *Catalog) *RuleStore {
	return &RuleStore{db: db, catalog: catalog}
}

// AddRule registers a new replication rule in INJECT state. The
// reconciliation engine picks it up on its next cycle.
func (rs *RuleStore) AddRule(ctx context.Context, r *model.Rule) error {
	if r.Copies < 1 {
		return fmt.Errorf("rule requires copies >= 1, got %d", r.Copies)
	}
	if _, err := parseRSEExpression(r.RSEExpression); err != nil {
		return err
	}
	if _, err := rs.catalog.GetDID(ctx, r.Scope, r.Name); err != nil {
		return err
	}
	if r.Grouping == "" {
		r.Grouping = model.GroupingDataset
	}

	r.ID = uuid.New().String()
	r.State = model.RuleStateInject
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	var expires interface{}
	if r.ExpiresAt != nil {
		expires = formatTime(*r.ExpiresAt)
	}
	_, err := rs.db.ExecContext(ctx, `
		INSERT INTO rules (id, scope, name, rse_expression, copies, grouping, activity, state, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Scope, r.Name, r.RSEExpression, r.Copies, r.Grouping, r.Activity,
		r.State, expires, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to add rule: %w", err)
	}
	return rs.appendHistory(ctx, rs.db, r.ID, r.State, "rule created")
}

const ruleColumns = `id, scope, name, rse_expression, copies, grouping, activity, state, error,
	locks_ok, locks_replicating, locks_stuck, expires_at, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*model.Rule, error) {
	var r model.Rule
	var activity, errText, expiresAt sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Scope, &r.Name, &r.RSEExpression, &r.Copies, &r.Grouping,
		&activity, &r.State, &errText, &r.LocksOK, &r.LocksReplicating, &r.LocksStuck,
		&expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Activity = activity.String
	r.Error = errText.String
	r.ExpiresAt = parseNullTime(expiresAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// GetRule retrieves one rule by id.
func (rs *RuleStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := rs.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return r, nil
}

// ListRules returns rules, optionally filtered by state.
func (rs *RuleStore) ListRules(ctx context.Context, state model.RuleState, limit int) ([]*model.Rule, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if state == "" {
		rows, err = rs.db.QueryContext(ctx, `
			SELECT `+ruleColumns+` FROM rules ORDER BY created_at LIMIT ?`, limit)
	} else {
		rows, err = rs.db.QueryContext(ctx, `
			SELECT `+ruleColumns+` FROM rules WHERE state = ? ORDER BY created_at LIMIT ?`, state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RulesForDID returns the rules targeting one identifier.
func (rs *RuleStore) RulesForDID(ctx context.Context, scope, name string) ([]*model.Rule, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rules WHERE scope = ? AND name = ?`, scope, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for did: %w", err)
	}
	defer rows.Close()

	var rules []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule changes the copy count and/or lifetime of a rule. Reset
// clears a STUCK rule back to REPLICATING for another round of
// reconciliation; STUCK is never left spontaneously.
func (rs *RuleStore) UpdateRule(ctx context.Context, id string, copies int, expires *time.Time, reset bool) error {
	r, err := rs.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if copies < 1 {
		copies = r.Copies
	}
	var expiresVal interface{}
	if expires != nil {
		expiresVal = formatTime(*expires)
	} else if r.ExpiresAt != nil {
		expiresVal = formatTime(*r.ExpiresAt)
	}

	state := r.State
	errText := r.Error
	if reset && r.State == model.RuleStateStuck {
		state = model.RuleStateReplicating
		errText = ""
	}

	_, err = rs.db.ExecContext(ctx, `
		UPDATE rules SET copies = ?, expires_at = ?, state = ?, error = ?, updated_at = ? WHERE id = ?
	`, copies, expiresVal, state, errText, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if state != r.State {
		// Stuck claims go back to in-flight so the next evaluation
		// re-emits their transfers.
		if _, err := rs.db.ExecContext(ctx, `
			UPDATE locks SET state = ? WHERE rule_id = ? AND state = ?
		`, model.LockStateReplicating, id, model.LockStateStuck); err != nil {
			return fmt.Errorf("failed to reset stuck locks: %w", err)
		}
		if err := rs.RecomputeSatisfaction(ctx, id); err != nil {
			return err
		}
		if err := rs.appendHistory(ctx, rs.db, id, state, "operator reset"); err != nil {
			return err
		}
	}
	return rs.catalog.EnqueueRuleEval(ctx, id, "rule updated")
}

// MoveRule retargets a rule to a new site expression. The rule drops
// back to INJECT; reconciliation rebuilds its placement from scratch.
func (rs *RuleStore) MoveRule(ctx context.Context, id, rseExpression string) error {
	if _, err := parseRSEExpression(rseExpression); err != nil {
		return err
	}
	result, err := rs.db.ExecContext(ctx, `
		UPDATE rules SET rse_expression = ?, state = ?, error = NULL, updated_at = ? WHERE id = ?
	`, rseExpression, model.RuleStateInject, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to move rule: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err := rs.appendHistory(ctx, rs.db, id, model.RuleStateInject, "moved to "+rseExpression); err != nil {
		return err
	}
	return rs.catalog.EnqueueRuleEval(ctx, id, "rule moved")
}

// DeleteRule removes a rule and its locks. Sibling rules on the same
// identifier are re-queued: with one claimant gone they may now be
// over-satisfied.
func (rs *RuleStore) DeleteRule(ctx context.Context, id string) error {
	r, err := rs.GetRule(ctx, id)
	if err != nil {
		return err
	}

	tx, err := rs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete locks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_eval_queue WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("failed to drop queued eval: %w", err)
	}
	if err := rs.appendHistory(ctx, tx, id, r.State, "rule deleted"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule deletion: %w", err)
	}

	siblings, err := rs.RulesForDID(ctx, r.Scope, r.Name)
	if err != nil {
		return err
	}
	for _, sib := range siblings {
		if err := rs.catalog.EnqueueRuleEval(ctx, sib.ID, "sibling rule deleted"); err != nil {
			return err
		}
	}
	return nil
}

// SetRuleState advances a rule's state and appends to its history.
func (rs *RuleStore) SetRuleState(ctx context.Context, id string, state model.RuleState, note string) error {
	return rs.setRuleState(ctx, rs.db, id, state, note)
}

func (rs *RuleStore) setRuleState(ctx context.Context, q querier, id string, state model.RuleState, note string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE rules SET state = ?, error = ?, updated_at = ? WHERE id = ? AND state != ?
	`, state, note, formatTime(time.Now()), id, state)
	if err != nil {
		return fmt.Errorf("failed to set rule state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil // already there, or gone
	}
	return rs.appendHistory(ctx, q, id, state, note)
}

func (rs *RuleStore) appendHistory(ctx context.Context, q querier, id string, state model.RuleState, note string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO rule_history (rule_id, state, note, created_at) VALUES (?, ?, ?, ?)
	`, id, state, note, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append rule history: %w", err)
	}
	return nil
}

// History returns the recorded state changes of a rule, oldest first.
func (rs *RuleStore) History(ctx context.Context, id string) ([]*model.RuleHistoryEntry, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT rule_id, state, note, created_at FROM rule_history WHERE rule_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule history: %w", err)
	}
	defer rows.Close()

	var entries []*model.RuleHistoryEntry
	for rows.Next() {
		var e model.RuleHistoryEntry
		var note sql.NullString
		var createdAt string
		if err := rows.Scan(&e.RuleID, &e.State, &note, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.Note = note.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Lock accounting ---

// lockCounterColumn maps a lock state to the cached counter it feeds.
func lockCounterColumn(state model.LockState) string {
	switch state {
	case model.LockStateOK:
		return "locks_ok"
	case model.LockStateStuck:
		return "locks_stuck"
	default:
		return "locks_replicating"
	}
}

// AddLock records a rule's claim on a replica. Adding an existing lock
// is a no-op, so at-least-once processing does not inflate counters.
func (rs *RuleStore) AddLock(ctx context.Context, ruleID, scope, name, rse string, state model.LockState) error {
	result, err := rs.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (rule_id, scope, name, rse, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ruleID, scope, name, rse, state, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add lock: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lock insert: %w", err)
	}
	if n == 0 {
		return nil
	}
	col := lockCounterColumn(state)
	_, err = rs.db.ExecContext(ctx, `
		UPDATE rules SET `+col+` = `+col+` + 1 WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to bump lock counter: %w", err)
	}
	return nil
}

// SetLockState moves a lock between REPLICATING/OK/STUCK, keeping the
// cached counters in step. Conditioned on the expected prior state.
func (rs *RuleStore) SetLockState(ctx context.Context, ruleID, scope, name, rse string, expected, next model.LockState) error {
	result, err := rs.db.ExecContext(ctx, `
		UPDATE locks SET state = ? WHERE rule_id = ? AND scope = ? AND name = ? AND rse = ? AND state = ?
	`, next, ruleID, scope, name, rse, expected)
	if err != nil {
		return fmt.Errorf("failed to set lock state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check lock update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s %s:%s@%s not in %s: %w", ruleID, scope, name, rse, expected, ErrConflict)
	}
	from := lockCounterColumn(expected)
	to := lockCounterColumn(next)
	_, err = rs.db.ExecContext(ctx, `
		UPDATE rules SET `+from+` = MAX(`+from+` - 1, 0), `+to+` = `+to+` + 1 WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to move lock counter: %w", err)
	}
	return nil
}

// LocksForRule returns every claim a rule currently holds.
func (rs *RuleStore) LocksForRule(ctx context.Context, ruleID string) ([]*model.Lock, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT rule_id, scope, name, rse, state, created_at FROM locks WHERE rule_id = ?
	`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule locks: %w", err)
	}
	defer rows.Close()

	var locks []*model.Lock
	for rows.Next() {
		var l model.Lock
		var createdAt string
		if err := rows.Scan(&l.RuleID, &l.Scope, &l.Name, &l.RSE, &l.State, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// RemoveLock drops one claim and decrements its cached counter. Used
// when a rule sheds an excess copy; removing a missing lock is a no-op.
func (rs *RuleStore) RemoveLock(ctx context.Context, ruleID, scope, name, rse string) error {
	var state model.LockState
	err := rs.db.QueryRowContext(ctx, `
		SELECT state FROM locks WHERE rule_id = ? AND scope = ? AND name = ? AND rse = ?
	`, ruleID, scope, name, rse).Scan(&state)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock: %w", err)
	}
	result, err := rs.db.ExecContext(ctx, `
		DELETE FROM locks WHERE rule_id = ? AND scope = ? AND name = ? AND rse = ? AND state = ?
	`, ruleID, scope, name, rse, state)
	if err != nil {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil
	}
	col := lockCounterColumn(state)
	_, err = rs.db.ExecContext(ctx, `
		UPDATE rules SET `+col+` = MAX(`+col+` - 1, 0) WHERE id = ?
	`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to decrement lock counter: %w", err)
	}
	return nil
}

// LocksForReplica returns the rule claims on one physical copy.
func (rs *RuleStore) LocksForReplica(ctx context.Context, scope, name, rse string) ([]*model.Lock, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT rule_id, scope, name, rse, state, created_at FROM locks
		WHERE scope = ? AND name = ? AND rse = ?
	`, scope, name, rse)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var locks []*model.Lock
	for rows.Next() {
		var l model.Lock
		var createdAt string
		if err := rows.Scan(&l.RuleID, &l.Scope, &l.Name, &l.RSE, &l.State, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.CreatedAt = parseTime(createdAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}

// releaseLocksForReplica drops every rule claim on a replica inside the
// caller's transaction, decrementing the owning rules' cached counters.
// Returns the distinct owning rule ids.
func (rs *RuleStore) releaseLocksForReplica(ctx context.Context, q querier, scope, name, rse string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rule_id, state FROM locks WHERE scope = ? AND name = ? AND rse = ?
	`, scope, name, rse)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	type held struct {
		ruleID string
		state  model.LockState
	}
	var locks []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.ruleID, &h.state); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ruleIDs []string
	seen := make(map[string]bool)
	for _, l := range locks {
		col := lockCounterColumn(l.state)
		if _, err := q.ExecContext(ctx, `
			UPDATE rules SET `+col+` = MAX(`+col+` - 1, 0) WHERE id = ?
		`, l.ruleID); err != nil {
			return nil, fmt.Errorf("failed to decrement lock counter: %w", err)
		}
		if !seen[l.ruleID] {
			seen[l.ruleID] = true
			ruleIDs = append(ruleIDs, l.ruleID)
		}
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM locks WHERE scope = ? AND name = ? AND rse = ?
	`, scope, name, rse); err != nil {
		return nil, fmt.Errorf("failed to delete locks: %w", err)
	}
	return ruleIDs, nil
}

// RecomputeSatisfaction restores a rule's cached lock counters from the
// locks table. The counters are a cache, never a sole source of truth.
func (rs *RuleStore) RecomputeSatisfaction(ctx context.Context, ruleID string) error {
	var ok, replicating, stuck int
	rows, err := rs.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM locks WHERE rule_id = ? GROUP BY state
	`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to recount locks: %w", err)
	}
	for rows.Next() {
		var state model.LockState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan lock count: %w", err)
		}
		switch state {
		case model.LockStateOK:
			ok = n
		case model.LockStateStuck:
			stuck = n
		default:
			replicating = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = rs.db.ExecContext(ctx, `
		UPDATE rules SET locks_ok = ?, locks_replicating = ?, locks_stuck = ? WHERE id = ?
	`, ok, replicating, stuck, ruleID)
	if err != nil {
		return fmt.Errorf("failed to store recomputed counters: %w", err)
	}
	return nil
}

// ExpireRules moves rules past their lifetime to EXPIRED and drops
// their locks. Replicas locked by other rules are untouched.
func (rs *RuleStore) ExpireRules(ctx context.Context) (int, error) {
	rows, err := rs.db.QueryContext(ctx, `
		SELECT id FROM rules WHERE expires_at IS NOT NULL AND expires_at < ? AND state != 'EXPIRED'
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to find expired rules: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan rule id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		tx, err := rs.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to begin tx: %w", err)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM locks WHERE rule_id = ?`, id)
		if err == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE rules SET state = 'EXPIRED', locks_ok = 0, locks_replicating = 0, locks_stuck = 0, updated_at = ?
				WHERE id = ?
			`, formatTime(time.Now()), id)
		}
		if err == nil {
			err = rs.appendHistory(ctx, tx, id, model.RuleStateExpired, "lifetime elapsed")
		}
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to expire rule %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// EnqueueActiveRules pushes every INJECT/REPLICATING rule onto the
// evaluation queue, deduplicated by rule id.
func (rs *RuleStore) EnqueueActiveRules(ctx context.Context) error {
	_, err := rs.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rule_eval_queue (rule_id, reason, enqueued_at)
		SELECT id, 'active', ? FROM rules WHERE state IN ('INJECT', 'REPLICATING')
	`, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue active rules: %w", err)
	}
	return nil
}
