// Package core provides the core engine components for repligrid.
// This includes the Replica Catalog, Rule Store, Triage Pipeline,
// Recovery Stage and Rule-Reconciliation Engine.
package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/repligrid/repligrid/internal/model"
)

// ErrConflict is returned when an optimistic-concurrency transition
// finds that another worker already moved the record. Callers re-read
// and retry or skip; they never overwrite.
var ErrConflict = errors.New("state conflict")

// ErrNotFound is returned when the addressed record does not exist.
var ErrNotFound = errors.New("not found")

// OpenDB opens the catalog database, optionally SQLCipher-encrypted.
// If passphrase is empty, the database is opened without encryption.
func OpenDB(dbPath string, passphrase string) (*sql.DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	if passphrase != "" {
		dsn = fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=WAL&_synchronous=NORMAL", dbPath, passphrase)
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if passphrase != "" {
		// This will fail if the key is wrong
		var version string
		if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// Catalog is the durable store of replica records: the single source of
// truth for physical-copy state. All mutation goes through conditioned
// transitions so that two workers racing on the same record produce one
// committed winner and one observed conflict.
type Catalog struct {
	db *sql.DB
}

// NewCatalog creates a catalog over an open database.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// DB returns the underlying database connection.
func (c *Catalog) DB() *sql.DB {
	return c.db
}

// Initialize creates the schema if it doesn't exist.
func (c *Catalog) Initialize(ctx context.Context) error {
	schema := `
-- repligrid catalog schema v1.0

-- Storage endpoints
CREATE TABLE IF NOT EXISTS rses (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name            TEXT NOT NULL UNIQUE,
    read_enabled    INTEGER NOT NULL DEFAULT 1,
    write_enabled   INTEGER NOT NULL DEFAULT 1,
    delete_enabled  INTEGER NOT NULL DEFAULT 1,
    degraded_until  TEXT,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS rse_attributes (
    rse_id          INTEGER NOT NULL REFERENCES rses(id) ON DELETE CASCADE,
    key             TEXT NOT NULL,
    value           TEXT NOT NULL,
    PRIMARY KEY (rse_id, key)
);

-- Data identifiers
CREATE TABLE IF NOT EXISTS dids (
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    did_type        TEXT NOT NULL CHECK(did_type IN ('FILE', 'DATASET', 'CONTAINER')),
    bytes           INTEGER NOT NULL DEFAULT 0,
    open            INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL,
    PRIMARY KEY (scope, name)
);

-- Content relationship: dataset/container -> children
CREATE TABLE IF NOT EXISTS contents (
    parent_scope    TEXT NOT NULL,
    parent_name     TEXT NOT NULL,
    child_scope     TEXT NOT NULL,
    child_name      TEXT NOT NULL,
    PRIMARY KEY (parent_scope, parent_name, child_scope, child_name)
);
CREATE INDEX IF NOT EXISTS idx_contents_child ON contents(child_scope, child_name);

-- Physical copies
CREATE TABLE IF NOT EXISTS replicas (
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    rse             TEXT NOT NULL,
    pfn             TEXT NOT NULL,
    bytes           INTEGER NOT NULL DEFAULT 0,
    checksum        TEXT,
    state           TEXT NOT NULL
                    CHECK(state IN ('COPYING', 'AVAILABLE', 'TEMPORARY_UNAVAILABLE', 'BAD', 'BEING_DELETED')),
    reason          TEXT,
    updated_at      TEXT NOT NULL,
    unavailable_until TEXT,
    tombstoned_at   TEXT,
    PRIMARY KEY (scope, name, rse)
);
CREATE INDEX IF NOT EXISTS idx_replicas_state ON replicas(state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_replicas_pfn ON replicas(rse, pfn);

-- Bad-PFN declarations
CREATE TABLE IF NOT EXISTS bad_pfns (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    pfn             TEXT NOT NULL,
    rse             TEXT NOT NULL,
    reason          TEXT,
    state           TEXT NOT NULL DEFAULT 'NEW' CHECK(state IN ('NEW', 'CLASSIFIED')),
    classified_as   TEXT CHECK(classified_as IN ('TRANSIENT', 'BAD')),
    occurrences     INTEGER NOT NULL DEFAULT 1,
    first_seen      TEXT NOT NULL,
    last_seen       TEXT NOT NULL,
    claimed_by      TEXT,
    claimed_until   TEXT,
    UNIQUE (pfn, rse)
);
CREATE INDEX IF NOT EXISTS idx_bad_pfns_state ON bad_pfns(state);

-- Replication rules
CREATE TABLE IF NOT EXISTS rules (
    id              TEXT PRIMARY KEY,
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    rse_expression  TEXT NOT NULL,
    copies          INTEGER NOT NULL CHECK(copies >= 1),
    grouping        TEXT NOT NULL DEFAULT 'DATASET' CHECK(grouping IN ('ALL', 'DATASET', 'NONE')),
    activity        TEXT,
    state           TEXT NOT NULL DEFAULT 'INJECT'
                    CHECK(state IN ('INJECT', 'REPLICATING', 'OK', 'STUCK', 'EXPIRED')),
    error           TEXT,
    locks_ok        INTEGER NOT NULL DEFAULT 0,
    locks_replicating INTEGER NOT NULL DEFAULT 0,
    locks_stuck     INTEGER NOT NULL DEFAULT 0,
    expires_at      TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_state ON rules(state);
CREATE INDEX IF NOT EXISTS idx_rules_did ON rules(scope, name);

-- Rule claims on replicas; a replica may be locked by multiple rules.
CREATE TABLE IF NOT EXISTS locks (
    rule_id         TEXT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    rse             TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'REPLICATING'
                    CHECK(state IN ('REPLICATING', 'OK', 'STUCK')),
    created_at      TEXT NOT NULL,
    PRIMARY KEY (rule_id, scope, name, rse)
);
CREATE INDEX IF NOT EXISTS idx_locks_replica ON locks(scope, name, rse);

-- Rule state-change audit trail
CREATE TABLE IF NOT EXISTS rule_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id         TEXT NOT NULL,
    state           TEXT NOT NULL,
    note            TEXT,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_history_rule ON rule_history(rule_id);

-- Deduplicated re-evaluation work queue keyed by rule id
CREATE TABLE IF NOT EXISTS rule_eval_queue (
    rule_id         TEXT PRIMARY KEY,
    reason          TEXT,
    enqueued_at     TEXT NOT NULL,
    claimed_by      TEXT,
    claimed_until   TEXT
);

-- Transfer and deletion intents
CREATE TABLE IF NOT EXISTS requests (
    id              TEXT PRIMARY KEY,
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    source_rse      TEXT,
    dest_rse        TEXT NOT NULL,
    request_type    TEXT NOT NULL CHECK(request_type IN ('TRANSFER', 'DELETE')),
    state           TEXT NOT NULL DEFAULT 'QUEUED'
                    CHECK(state IN ('QUEUED', 'SUBMITTED', 'DONE', 'FAILED')),
    attempts        INTEGER NOT NULL DEFAULT 0,
    rule_id         TEXT,
    error           TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    claimed_by      TEXT,
    claimed_until   TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_open
    ON requests(scope, name, dest_rse, request_type)
    WHERE state IN ('QUEUED', 'SUBMITTED');

-- Placement cooldowns written by the recovery stage
CREATE TABLE IF NOT EXISTS exclusions (
    scope           TEXT NOT NULL,
    name            TEXT NOT NULL,
    rse             TEXT NOT NULL,
    until           TEXT NOT NULL,
    PRIMARY KEY (scope, name, rse)
);

-- Catalog metadata
CREATE TABLE IF NOT EXISTS catalog_meta (
    key             TEXT PRIMARY KEY,
    value           TEXT NOT NULL
);

INSERT OR IGNORE INTO catalog_meta (key, value) VALUES ('schema_version', '1.0');
`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// tsFormat is the canonical timestamp encoding in the catalog. RFC 3339
// in UTC compares correctly as text, which the lease and expiry queries
// rely on.
const tsFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(tsFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(tsFormat, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// querier is satisfied by both *sql.DB and *sql.Tx so the recovery
// stage can run catalog operations inside one transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// --- RSE operations ---

// AddRSE registers a new storage endpoint.
func (c *Catalog) AddRSE(ctx context.Context, name string) (*model.RSE, error) {
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO rses (name, created_at) VALUES (?, ?)
	`, name, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to add rse: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get rse id: %w", err)
	}
	return &model.RSE{
		ID:            id,
		Name:          name,
		ReadEnabled:   true,
		WriteEnabled:  true,
		DeleteEnabled: true,
	}, nil
}

// GetRSE retrieves an endpoint with its attributes.
func (c *Catalog) GetRSE(ctx context.Context, name string) (*model.RSE, error) {
	var rse model.RSE
	var degraded sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT id, name, read_enabled, write_enabled, delete_enabled, degraded_until
		FROM rses WHERE name = ?
	`, name).Scan(&rse.ID, &rse.Name, &rse.ReadEnabled, &rse.WriteEnabled, &rse.DeleteEnabled, &degraded)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rse %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rse: %w", err)
	}
	rse.DegradedUntil = parseNullTime(degraded)

	rows, err := c.db.QueryContext(ctx, `
		SELECT key, value FROM rse_attributes WHERE rse_id = ?
	`, rse.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rse attributes: %w", err)
	}
	defer rows.Close()

	rse.Attributes = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan attribute: %w", err)
		}
		rse.Attributes[k] = v
	}
	return &rse, rows.Err()
}

// ListRSEs returns every registered endpoint with attributes.
func (c *Catalog) ListRSEs(ctx context.Context) ([]*model.RSE, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM rses ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rses: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan rse: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rses := make([]*model.RSE, 0, len(names))
	for _, name := range names {
		rse, err := c.GetRSE(ctx, name)
		if err != nil {
			return nil, err
		}
		rses = append(rses, rse)
	}
	return rses, nil
}

// SetRSEAttribute sets or replaces one attribute.
func (c *Catalog) SetRSEAttribute(ctx context.Context, name, key, value string) error {
	rse, err := c.GetRSE(ctx, name)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO rse_attributes (rse_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(rse_id, key) DO UPDATE SET value = excluded.value
	`, rse.ID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set rse attribute: %w", err)
	}
	return nil
}

// SetRSEAvailability toggles the read/write/delete flags.
func (c *Catalog) SetRSEAvailability(ctx context.Context, name string, read, write, del bool) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE rses SET read_enabled = ?, write_enabled = ?, delete_enabled = ? WHERE name = ?
	`, read, write, del, name)
	if err != nil {
		return fmt.Errorf("failed to set rse availability: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rse %s: %w", name, ErrNotFound)
	}
	return nil
}

// SetRSEDegraded records the external endpoint-degraded signal consumed
// by the triage pipeline. A zero until clears the flag.
func (c *Catalog) SetRSEDegraded(ctx context.Context, name string, until time.Time) error {
	var v interface{}
	if !until.IsZero() {
		v = formatTime(until)
	}
	result, err := c.db.ExecContext(ctx, `
		UPDATE rses SET degraded_until = ? WHERE name = ?
	`, v, name)
	if err != nil {
		return fmt.Errorf("failed to set rse degraded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("rse %s: %w", name, ErrNotFound)
	}
	return nil
}

// --- DID operations ---

// AddDID registers a new identifier. Datasets and containers start open.
func (c *Catalog) AddDID(ctx context.Context, scope, name string, didType model.DIDType) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO dids (scope, name, did_type, open, created_at) VALUES (?, ?, ?, ?, ?)
	`, scope, name, didType, didType != model.DIDTypeFile, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add did: %w", err)
	}
	return nil
}

// GetDID retrieves one identifier.
func (c *Catalog) GetDID(ctx context.Context, scope, name string) (*model.DID, error) {
	var did model.DID
	var createdAt string
	err := c.db.QueryRowContext(ctx, `
		SELECT scope, name, did_type, bytes, open, created_at FROM dids WHERE scope = ? AND name = ?
	`, scope, name).Scan(&did.Scope, &did.Name, &did.Type, &did.Bytes, &did.Open, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("did %s:%s: %w", scope, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get did: %w", err)
	}
	did.CreatedAt = parseTime(createdAt)
	return &did, nil
}

// Attach adds a child identifier to an open dataset or container.
func (c *Catalog) Attach(ctx context.Context, parentScope, parentName, childScope, childName string) error {
	parent, err := c.GetDID(ctx, parentScope, parentName)
	if err != nil {
		return err
	}
	if parent.Type == model.DIDTypeFile {
		return fmt.Errorf("cannot attach to a file identifier %s", parent.Key())
	}
	if !parent.Open {
		return fmt.Errorf("identifier %s is closed: %w", parent.Key(), ErrConflict)
	}
	if _, err := c.GetDID(ctx, childScope, childName); err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO contents (parent_scope, parent_name, child_scope, child_name)
		VALUES (?, ?, ?, ?)
	`, parentScope, parentName, childScope, childName)
	if err != nil {
		return fmt.Errorf("failed to attach: %w", err)
	}
	return nil
}

// SetDIDOpen closes or explicitly reopens a dataset/container.
func (c *Catalog) SetDIDOpen(ctx context.Context, scope, name string, open bool) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE dids SET open = ? WHERE scope = ? AND name = ? AND did_type != 'FILE'
	`, open, scope, name)
	if err != nil {
		return fmt.Errorf("failed to update did: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("did %s:%s: %w", scope, name, ErrNotFound)
	}
	return nil
}

// ListFiles resolves an identifier to its constituent file DIDs,
// walking container and dataset content recursively.
func (c *Catalog) ListFiles(ctx context.Context, scope, name string) ([]model.DID, error) {
	did, err := c.GetDID(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	if did.Type == model.DIDTypeFile {
		return []model.DID{*did}, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT child_scope, child_name FROM contents WHERE parent_scope = ? AND parent_name = ?
	`, scope, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	type key struct{ scope, name string }
	var children []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.scope, &k.name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		children = append(children, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var files []model.DID
	seen := make(map[string]bool)
	for _, child := range children {
		sub, err := c.ListFiles(ctx, child.scope, child.name)
		if err != nil {
			return nil, err
		}
		for _, f := range sub {
			if !seen[f.Key()] {
				seen[f.Key()] = true
				files = append(files, f)
			}
		}
	}
	return files, nil
}

// ListDatasets resolves an identifier to its constituent datasets. A
// dataset resolves to itself; a file has no dataset grouping.
func (c *Catalog) ListDatasets(ctx context.Context, scope, name string) ([]model.DID, error) {
	did, err := c.GetDID(ctx, scope, name)
	if err != nil {
		return nil, err
	}
	switch did.Type {
	case model.DIDTypeDataset:
		return []model.DID{*did}, nil
	case model.DIDTypeFile:
		return nil, nil
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT child_scope, child_name FROM contents WHERE parent_scope = ? AND parent_name = ?
	`, scope, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	type key struct{ scope, name string }
	var children []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.scope, &k.name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		children = append(children, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var datasets []model.DID
	for _, child := range children {
		sub, err := c.ListDatasets(ctx, child.scope, child.name)
		if err != nil {
			return nil, err
		}
		datasets = append(datasets, sub...)
	}
	return datasets, nil
}

// --- Replica operations ---

const replicaColumns = `scope, name, rse, pfn, bytes, checksum, state, reason, updated_at, unavailable_until, tombstoned_at`

func scanReplica(row interface{ Scan(...interface{}) error }) (*model.Replica, error) {
	var r model.Replica
	var checksum, reason, updatedAt sql.NullString
	var unavailableUntil, tombstonedAt sql.NullString
	err := row.Scan(&r.Scope, &r.Name, &r.RSE, &r.PFN, &r.Bytes, &checksum,
		&r.State, &reason, &updatedAt, &unavailableUntil, &tombstonedAt)
	if err != nil {
		return nil, err
	}
	r.Checksum = checksum.String
	r.Reason = reason.String
	if updatedAt.Valid {
		r.UpdatedAt = parseTime(updatedAt.String)
	}
	r.UnavailableUntil = parseNullTime(unavailableUntil)
	r.TombstonedAt = parseNullTime(tombstonedAt)
	return &r, nil
}

// AddReplica registers a physical copy. State is COPYING for replicas
// created by a transfer intent, AVAILABLE for registered uploads. A
// tombstoned row at the same location is revived; a live one conflicts.
func (c *Catalog) AddReplica(ctx context.Context, r *model.Replica) error {
	if r.State == "" {
		r.State = model.ReplicaStateAvailable
	}
	result, err := c.db.ExecContext(ctx, `
		INSERT INTO replicas (scope, name, rse, pfn, bytes, checksum, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, name, rse) DO UPDATE SET
			pfn = excluded.pfn, bytes = excluded.bytes, checksum = excluded.checksum,
			state = excluded.state, reason = NULL, updated_at = excluded.updated_at,
			unavailable_until = NULL, tombstoned_at = NULL
		WHERE replicas.tombstoned_at IS NOT NULL
	`, r.Scope, r.Name, r.RSE, r.PFN, r.Bytes, r.Checksum, r.State, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to add replica: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("replica %s:%s@%s already exists: %w", r.Scope, r.Name, r.RSE, ErrConflict)
	}
	return nil
}

// GetReplica retrieves one physical copy, tombstoned or not.
func (c *Catalog) GetReplica(ctx context.Context, scope, name, rse string) (*model.Replica, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+replicaColumns+` FROM replicas WHERE scope = ? AND name = ? AND rse = ?
	`, scope, name, rse)
	r, err := scanReplica(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("replica %s:%s@%s: %w", scope, name, rse, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replica: %w", err)
	}
	return r, nil
}

// GetReplicaByPFN resolves a physical-location reference on an RSE.
func (c *Catalog) GetReplicaByPFN(ctx context.Context, rse, pfn string) (*model.Replica, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT `+replicaColumns+` FROM replicas WHERE rse = ? AND pfn = ? AND tombstoned_at IS NULL
	`, rse, pfn)
	r, err := scanReplica(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pfn %s@%s: %w", pfn, rse, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pfn: %w", err)
	}
	return r, nil
}

// ListReplicas returns the live (non-tombstoned) copies of a file.
func (c *Catalog) ListReplicas(ctx context.Context, scope, name string) ([]*model.Replica, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE scope = ? AND name = ? AND tombstoned_at IS NULL
		ORDER BY rse
	`, scope, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	defer rows.Close()

	var replicas []*model.Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replica: %w", err)
		}
		replicas = append(replicas, r)
	}
	return replicas, rows.Err()
}

// ListBadReplicas returns confirmed-bad copies whose last transition is
// older than the cutoff. Ordering by age makes the oldest losses the
// first to be recovered.
func (c *Catalog) ListBadReplicas(ctx context.Context, olderThan time.Time, limit int) ([]*model.Replica, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+replicaColumns+` FROM replicas
		WHERE state = ? AND updated_at < ? AND tombstoned_at IS NULL
		ORDER BY updated_at
		LIMIT ?
	`, model.ReplicaStateBad, formatTime(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bad replicas: %w", err)
	}
	defer rows.Close()

	var replicas []*model.Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan replica: %w", err)
		}
		replicas = append(replicas, r)
	}
	return replicas, rows.Err()
}

// Transition moves a replica along one edge of the state machine,
// conditioned on the caller's expected prior state. A conflict means
// another worker already moved the record; the caller must re-read and
// retry or skip, never blindly overwrite.
func (c *Catalog) Transition(ctx context.Context, scope, name, rse string, expected, next model.ReplicaState, reason string) error {
	return c.transition(ctx, c.db, scope, name, rse, expected, next, reason)
}

func (c *Catalog) transition(ctx context.Context, q querier, scope, name, rse string, expected, next model.ReplicaState, reason string) error {
	if !model.TransitionAllowed(expected, next) {
		return fmt.Errorf("transition %s -> %s not allowed: %w", expected, next, ErrConflict)
	}
	result, err := q.ExecContext(ctx, `
		UPDATE replicas SET state = ?, reason = ?, updated_at = ?, unavailable_until = NULL
		WHERE scope = ? AND name = ? AND rse = ? AND state = ? AND tombstoned_at IS NULL
	`, next, reason, formatTime(time.Now()), scope, name, rse, expected)
	if err != nil {
		return fmt.Errorf("failed to transition replica: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition: %w", err)
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM replicas WHERE scope = ? AND name = ? AND rse = ? AND tombstoned_at IS NULL
		`, scope, name, rse).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check replica: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("replica %s:%s@%s: %w", scope, name, rse, ErrNotFound)
		}
		return fmt.Errorf("replica %s:%s@%s not in %s: %w", scope, name, rse, expected, ErrConflict)
	}
	return nil
}

// TombstoneReplica marks a BEING_DELETED replica as gone. The row stays
// for audit; the unique location comes free for future placement.
func (c *Catalog) TombstoneReplica(ctx context.Context, scope, name, rse string) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE replicas SET tombstoned_at = ?, updated_at = ?
		WHERE scope = ? AND name = ? AND rse = ? AND state = ? AND tombstoned_at IS NULL
	`, formatTime(time.Now()), formatTime(time.Now()), scope, name, rse, model.ReplicaStateBeingDeleted)
	if err != nil {
		return fmt.Errorf("failed to tombstone replica: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("replica %s:%s@%s not BEING_DELETED: %w", scope, name, rse, ErrConflict)
	}
	return nil
}

// MarkTemporaryUnavailable transitions an AVAILABLE replica to
// TEMPORARY_UNAVAILABLE with a bounded expiry, after which the sweep
// re-queues it for re-declaration.
func (c *Catalog) MarkTemporaryUnavailable(ctx context.Context, scope, name, rse, reason string, ttl time.Duration) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE replicas SET state = ?, reason = ?, updated_at = ?, unavailable_until = ?
		WHERE scope = ? AND name = ? AND rse = ? AND state = ? AND tombstoned_at IS NULL
	`, model.ReplicaStateTemporaryUnavailable, reason, formatTime(time.Now()),
		formatTime(time.Now().Add(ttl)), scope, name, rse, model.ReplicaStateAvailable)
	if err != nil {
		return fmt.Errorf("failed to mark unavailable: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("replica %s:%s@%s not AVAILABLE: %w", scope, name, rse, ErrConflict)
	}
	return nil
}

// RestoreAvailable brings a TEMPORARY_UNAVAILABLE replica back. Called
// when a re-check finds no fresh bad report, never on mere expiry.
func (c *Catalog) RestoreAvailable(ctx context.Context, scope, name, rse string) error {
	return c.Transition(ctx, scope, name, rse,
		model.ReplicaStateTemporaryUnavailable, model.ReplicaStateAvailable, "")
}

// SweepExpiredUnavailable re-queues TEMPORARY_UNAVAILABLE replicas past
// their expiry as fresh bad-PFN declarations. Absence of new bad
// reports, not time passage, restores AVAILABLE: the subsequent triage
// pass decides.
func (c *Catalog) SweepExpiredUnavailable(ctx context.Context, limit int, ttl time.Duration) (int, error) {
	now := formatTime(time.Now())
	rows, err := c.db.QueryContext(ctx, `
		SELECT scope, name, rse, pfn, reason FROM replicas
		WHERE state = ? AND unavailable_until IS NOT NULL AND unavailable_until < ?
		  AND tombstoned_at IS NULL
		LIMIT ?
	`, model.ReplicaStateTemporaryUnavailable, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep unavailable replicas: %w", err)
	}
	type expired struct{ scope, name, rse, pfn, reason string }
	var found []expired
	for rows.Next() {
		var e expired
		var reason sql.NullString
		if err := rows.Scan(&e.scope, &e.name, &e.rse, &e.pfn, &reason); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan replica: %w", err)
		}
		e.reason = reason.String
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	requeued := 0
	for _, e := range found {
		if _, err := c.DeclareBadPFN(ctx, e.rse, e.pfn, "recheck: "+e.reason); err != nil {
			return requeued, err
		}
		// Push the expiry forward by another unavailability window so
		// the sweep does not re-queue the same replica before triage
		// classifies the new declaration.
		if _, err := c.db.ExecContext(ctx, `
			UPDATE replicas SET unavailable_until = ? WHERE scope = ? AND name = ? AND rse = ?
		`, formatTime(time.Now().Add(ttl)), e.scope, e.name, e.rse); err != nil {
			return requeued, fmt.Errorf("failed to extend expiry: %w", err)
		}
		requeued++
	}
	return requeued, nil
}

// --- Bad-PFN declarations ---

// DeclareBadPFN records a site-reported unreadable copy. Declaring the
// same (pfn, rse) again accumulates the occurrence counter within the
// sliding window and reopens a previously classified declaration.
func (c *Catalog) DeclareBadPFN(ctx context.Context, rse, pfn, reason string) (*model.BadPFN, error) {
	now := time.Now()
	var d model.BadPFN
	var firstSeen, lastSeen string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, occurrences, first_seen, last_seen FROM bad_pfns WHERE pfn = ? AND rse = ?
	`, pfn, rse).Scan(&d.ID, &d.Occurrences, &firstSeen, &lastSeen)

	switch {
	case err == sql.ErrNoRows:
		result, err := c.db.ExecContext(ctx, `
			INSERT INTO bad_pfns (pfn, rse, reason, state, occurrences, first_seen, last_seen)
			VALUES (?, ?, ?, 'NEW', 1, ?, ?)
		`, pfn, rse, reason, formatTime(now), formatTime(now))
		if err != nil {
			return nil, fmt.Errorf("failed to declare bad pfn: %w", err)
		}
		id, _ := result.LastInsertId()
		return &model.BadPFN{
			ID: id, PFN: pfn, RSE: rse, Reason: reason,
			State: model.BadPFNStateNew, Occurrences: 1,
			FirstSeen: now, LastSeen: now,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up declaration: %w", err)
	}

	d.Occurrences++
	d.FirstSeen = parseTime(firstSeen)
	_, err = c.db.ExecContext(ctx, `
		UPDATE bad_pfns SET reason = ?, state = 'NEW', classified_as = NULL,
			occurrences = ?, last_seen = ?, claimed_by = NULL, claimed_until = NULL
		WHERE id = ?
	`, reason, d.Occurrences, formatTime(now), d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update declaration: %w", err)
	}
	d.PFN, d.RSE, d.Reason = pfn, rse, reason
	d.State = model.BadPFNStateNew
	d.LastSeen = now
	return &d, nil
}

// ResetStaleOccurrences zeroes occurrence counters whose last report
// fell outside the sliding window, so old noise does not confirm a new
// failure.
func (c *Catalog) ResetStaleOccurrences(ctx context.Context, window time.Duration) error {
	cutoff := formatTime(time.Now().Add(-window))
	_, err := c.db.ExecContext(ctx, `
		UPDATE bad_pfns SET occurrences = 1, first_seen = last_seen
		WHERE last_seen < ? AND occurrences > 1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to reset stale occurrences: %w", err)
	}
	return nil
}

// ClaimNewDeclarations leases up to limit unclassified declarations to
// the given claim token. Leases expire so a batch claimed by a dead
// worker becomes reclaimable.
func (c *Catalog) ClaimNewDeclarations(ctx context.Context, token string, limit int, lease time.Duration) ([]*model.BadPFN, error) {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
		UPDATE bad_pfns SET claimed_by = ?, claimed_until = ?
		WHERE id IN (
			SELECT id FROM bad_pfns
			WHERE state = 'NEW' AND (claimed_until IS NULL OR claimed_until < ?)
			ORDER BY last_seen
			LIMIT ?
		)
	`, token, formatTime(now.Add(lease)), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim declarations: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, pfn, rse, reason, state, occurrences, first_seen, last_seen
		FROM bad_pfns WHERE claimed_by = ? AND state = 'NEW'
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed declarations: %w", err)
	}
	defer rows.Close()

	var batch []*model.BadPFN
	for rows.Next() {
		var d model.BadPFN
		var reason sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&d.ID, &d.PFN, &d.RSE, &reason, &d.State, &d.Occurrences, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan declaration: %w", err)
		}
		d.Reason = reason.String
		d.FirstSeen = parseTime(firstSeen)
		d.LastSeen = parseTime(lastSeen)
		batch = append(batch, &d)
	}
	return batch, rows.Err()
}

// ClassifyDeclaration records the terminal triage outcome for the
// declaration's current epoch. Conditioned on NEW so that a duplicate
// delivery after classification is a no-op.
func (c *Catalog) ClassifyDeclaration(ctx context.Context, id int64, outcome model.Classification) error {
	result, err := c.db.ExecContext(ctx, `
		UPDATE bad_pfns SET state = 'CLASSIFIED', classified_as = ?, claimed_by = NULL, claimed_until = NULL
		WHERE id = ? AND state = 'NEW'
	`, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to classify declaration: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("declaration %d already classified: %w", id, ErrConflict)
	}
	return nil
}

// GetBadPFN reads one declaration.
func (c *Catalog) GetBadPFN(ctx context.Context, rse, pfn string) (*model.BadPFN, error) {
	var d model.BadPFN
	var reason, classifiedAs sql.NullString
	var firstSeen, lastSeen string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, pfn, rse, reason, state, classified_as, occurrences, first_seen, last_seen
		FROM bad_pfns WHERE rse = ? AND pfn = ?
	`, rse, pfn).Scan(&d.ID, &d.PFN, &d.RSE, &reason, &d.State, &classifiedAs, &d.Occurrences, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("declaration %s@%s: %w", pfn, rse, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get declaration: %w", err)
	}
	d.Reason = reason.String
	d.ClassifiedAs = model.Classification(classifiedAs.String)
	d.FirstSeen = parseTime(firstSeen)
	d.LastSeen = parseTime(lastSeen)
	return &d, nil
}

// --- Exclusions ---

// AddExclusion records a placement cooldown for (identifier, rse).
func (c *Catalog) AddExclusion(ctx context.Context, scope, name, rse string, until time.Time) error {
	return c.addExclusion(ctx, c.db, scope, name, rse, until)
}

func (c *Catalog) addExclusion(ctx context.Context, q querier, scope, name, rse string, until time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO exclusions (scope, name, rse, until) VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, name, rse) DO UPDATE SET until = MAX(until, excluded.until)
	`, scope, name, rse, formatTime(until))
	if err != nil {
		return fmt.Errorf("failed to add exclusion: %w", err)
	}
	return nil
}

// ExcludedRSEs returns the endpoints currently on cooldown for an
// identifier.
func (c *Catalog) ExcludedRSEs(ctx context.Context, scope, name string) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT rse FROM exclusions WHERE scope = ? AND name = ? AND until > ?
	`, scope, name, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	defer rows.Close()

	excluded := make(map[string]bool)
	for rows.Next() {
		var rse string
		if err := rows.Scan(&rse); err != nil {
			return nil, fmt.Errorf("failed to scan exclusion: %w", err)
		}
		excluded[rse] = true
	}
	return excluded, rows.Err()
}

// PurgeExpiredExclusions drops cooldowns that have elapsed.
func (c *Catalog) PurgeExpiredExclusions(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM exclusions WHERE until <= ?`, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to purge exclusions: %w", err)
	}
	return nil
}

// --- Rule evaluation queue ---

// EnqueueRuleEval pushes a rule onto the re-evaluation queue. The queue
// is keyed by rule id, so repeated pushes deduplicate to one entry.
func (c *Catalog) EnqueueRuleEval(ctx context.Context, ruleID, reason string) error {
	return c.enqueueRuleEval(ctx, c.db, ruleID, reason)
}

func (c *Catalog) enqueueRuleEval(ctx context.Context, q querier, ruleID, reason string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO rule_eval_queue (rule_id, reason, enqueued_at) VALUES (?, ?, ?)
	`, ruleID, reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue rule eval: %w", err)
	}
	return nil
}

// ClaimRuleEvals leases up to limit queued rule ids to the claim token.
func (c *Catalog) ClaimRuleEvals(ctx context.Context, token string, limit int, lease time.Duration) ([]string, error) {
	now := time.Now()
	_, err := c.db.ExecContext(ctx, `
		UPDATE rule_eval_queue SET claimed_by = ?, claimed_until = ?
		WHERE rule_id IN (
			SELECT rule_id FROM rule_eval_queue
			WHERE claimed_until IS NULL OR claimed_until < ?
			ORDER BY enqueued_at
			LIMIT ?
		)
	`, token, formatTime(now.Add(lease)), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim rule evals: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT rule_id FROM rule_eval_queue WHERE claimed_by = ?
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed rule evals: %w", err)
	}
	defer rows.Close()

	var ruleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan rule eval: %w", err)
		}
		ruleIDs = append(ruleIDs, id)
	}
	return ruleIDs, rows.Err()
}

// FinishRuleEval removes a processed entry from the queue.
func (c *Catalog) FinishRuleEval(ctx context.Context, ruleID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM rule_eval_queue WHERE rule_id = ?`, ruleID)
	if err != nil {
		return fmt.Errorf("failed to finish rule eval: %w", err)
	}
	return nil
}
