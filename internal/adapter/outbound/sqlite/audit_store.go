// Package sqlite provides a durable audit sink backed by modernc.org/sqlite,
// a pure-Go SQLite driver, for deployments that want queryable on-disk audit
// history without running a separate database process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/policygate/gateway/internal/domain/audit"
	_ "modernc.org/sqlite"
)

// AuditStore implements audit.AuditStore on top of a single SQLite file, with
// a Query method exposed for ad hoc lookups. Writes are synchronous: SQLite's
// own page cache and WAL mode absorb the latency, so no additional
// in-process batching is layered on top (unlike FileAuditStore, which owns
// its own flush cadence).
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (creating if necessary) a SQLite database at path and
// ensures the audit_records table exists. Appends keyed on record id are
// idempotent: a retried write of the same id is ignored.
func NewAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id                 TEXT PRIMARY KEY,
	timestamp          TEXT NOT NULL,
	agent              TEXT,
	session_id         TEXT,
	request_id         TEXT,
	action             TEXT,
	resource           TEXT,
	arguments          TEXT,
	decision           TEXT,
	reason             TEXT,
	policy_id          TEXT,
	rule_id            TEXT,
	engine             TEXT,
	latency_ms         INTEGER,
	constraints_applied TEXT,
	obligation_results TEXT,
	context_hash       TEXT,
	scan_findings      INTEGER,
	scan_action        TEXT,
	scan_types         TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_records_agent ON audit_records(agent);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// Append implements audit.AuditStore.
func (s *AuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO audit_records (
	id, timestamp, agent, session_id, request_id, action, resource, arguments,
	decision, reason, policy_id, rule_id, engine, latency_ms,
	constraints_applied, obligation_results, context_hash,
	scan_findings, scan_action, scan_types
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		args, err := json.Marshal(r.Arguments)
		if err != nil {
			return fmt.Errorf("marshal arguments: %w", err)
		}
		constraints, err := json.Marshal(r.ConstraintsApplied)
		if err != nil {
			return fmt.Errorf("marshal constraints: %w", err)
		}
		obligations, err := json.Marshal(r.ObligationResults)
		if err != nil {
			return fmt.Errorf("marshal obligation results: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Agent, r.SessionID, r.RequestID, r.Action, r.Resource, string(args),
			r.Decision, r.Reason, r.PolicyID, r.RuleID, r.Engine, r.LatencyMS,
			string(constraints), string(obligations), r.ContextHash,
			r.ScanFindings, r.ScanAction, r.ScanTypes,
		); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	return tx.Commit()
}

// Flush is a no-op: every Append commits its own transaction.
func (s *AuditStore) Flush(ctx context.Context) error {
	return nil
}

// Close closes the underlying database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Query implements the read half of audit.AuditQueryStore, reading records
// newest-first within the given filter.
func (s *AuditStore) Query(ctx context.Context, filter audit.AuditFilter) ([]audit.AuditRecord, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	q := `SELECT id, timestamp, agent, session_id, request_id, action, resource, arguments,
	             decision, reason, policy_id, rule_id, engine, latency_ms,
	             constraints_applied, obligation_results, context_hash,
	             scan_findings, scan_action, scan_types
	      FROM audit_records WHERE 1=1`
	var args []any

	if !filter.From.IsZero() {
		q += " AND timestamp >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		q += " AND timestamp <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	if filter.Decision != "" {
		q += " AND decision = ?"
		args = append(args, filter.Decision)
	}
	if filter.Engine != "" {
		q += " AND engine = ?"
		args = append(args, filter.Engine)
	}
	if filter.Resource != "" {
		q += " AND resource = ?"
		args = append(args, filter.Resource)
	}
	if filter.Agent != "" {
		q += " AND agent = ?"
		args = append(args, filter.Agent)
	}
	if filter.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("query audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.AuditRecord
	for rows.Next() {
		var r audit.AuditRecord
		var ts, rawArgs, rawConstraints, rawObligations string
		if err := rows.Scan(&r.ID, &ts, &r.Agent, &r.SessionID, &r.RequestID,
			&r.Action, &r.Resource, &rawArgs,
			&r.Decision, &r.Reason, &r.PolicyID, &r.RuleID, &r.Engine, &r.LatencyMS,
			&rawConstraints, &rawObligations, &r.ContextHash,
			&r.ScanFindings, &r.ScanAction, &r.ScanTypes); err != nil {
			return nil, "", fmt.Errorf("scan audit record: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(rawArgs), &r.Arguments)
		_ = json.Unmarshal([]byte(rawConstraints), &r.ConstraintsApplied)
		_ = json.Unmarshal([]byte(rawObligations), &r.ObligationResults)
		out = append(out, r)
	}
	return out, "", rows.Err()
}

// Compile-time interface check. Query is also exposed for callers that want
// ad hoc lookups, but AuditQueryStore additionally requires QueryStats,
// which this store does not implement (see DESIGN.md).
var _ audit.AuditStore = (*AuditStore)(nil)
