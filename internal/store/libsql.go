package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/lockflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/lockflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB so the durable channel can share it.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Rate-lock records ---

func (s *LibSQLStore) CreateRecord(ctx context.Context, rec *RateLockRecord) error {
	now := s.now()
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.CreatedAt = timeOr(rec.CreatedAt, now)
	rec.UpdatedAt = now
	rec.StateEnteredAt = timeOr(rec.StateEnteredAt, now)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rate lock: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if IsActive(rec.Status) {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM rate_locks WHERE active_key = ?`, rec.LoanApplicationID).Scan(&existing)
		if err == nil {
			return duplicateActive(rec.LoanApplicationID, existing)
		}
		if err != sql.ErrNoRows {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rate_locks (id, loan_application_id, status, version, active_key, expires_at_ms, last_message_id, data, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LoanApplicationID, string(rec.Status), rec.Version, activeKey(rec), expiresAt(rec),
		nullStr(rec.LastMessageID), string(data), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeDuplicate, "rate lock %q already exists", rec.ID).WithCause(err)
		}
		return fmt.Errorf("insert rate lock: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetRecord(ctx context.Context, id string) (*RateLockRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rate_locks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("rate lock", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// PutIfVersion writes rec only if the stored version still equals
// expectedVersion. On success rec.Version becomes expectedVersion+1.
func (s *LibSQLStore) PutIfVersion(ctx context.Context, rec *RateLockRecord, expectedVersion int64) error {
	stamped := *rec
	stamped.Version = expectedVersion + 1
	stamped.UpdatedAt = s.now()

	data, err := json.Marshal(&stamped)
	if err != nil {
		return fmt.Errorf("marshal rate lock: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE rate_locks
		 SET status = ?, version = ?, active_key = ?, expires_at_ms = ?, last_message_id = ?, data = ?, updated_at_ms = ?
		 WHERE id = ? AND version = ?`,
		string(stamped.Status), stamped.Version, activeKey(&stamped), expiresAt(&stamped), nullStr(stamped.LastMessageID),
		string(data), stamped.UpdatedAt.UnixMilli(), rec.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateActive(rec.LoanApplicationID, "")
		}
		return schema.NewErrorf(schema.ErrCodeStore, "update rate lock %q: %s", rec.ID, err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM rate_locks WHERE id = ?`, rec.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("rate lock", rec.ID)
		}
		if err != nil {
			return err
		}
		return versionConflict("rate lock", rec.ID, expectedVersion)
	}

	rec.Version = stamped.Version
	rec.UpdatedAt = stamped.UpdatedAt
	return nil
}

func (s *LibSQLStore) QueryRecords(ctx context.Context, filter RecordFilter) ([]*RateLockRecord, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.LoanApplicationID != "" {
		where = append(where, "loan_application_id = ?")
		args = append(args, filter.LoanApplicationID)
	}
	if filter.ExpiringBefore != nil {
		where = append(where, "expires_at_ms IS NOT NULL AND expires_at_ms < ?")
		args = append(args, filter.ExpiringBefore.UnixMilli())
	}

	query := "SELECT data FROM rate_locks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RateLockRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) FindActiveByApplication(ctx context.Context, loanApplicationID string) (*RateLockRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM rate_locks WHERE active_key = ?`, loanApplicationID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active rate lock for application", loanApplicationID)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

// --- Audit log ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditLogEntry) (bool, error) {
	entry.Timestamp = timeOr(entry.Timestamp, s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (message_id, loan_lock_id, action, actor, from_state, to_state, correlation_id, detail, timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO NOTHING`,
		entry.MessageID, nullStr(entry.LoanLockID), entry.Action, entry.Actor, nullStr(string(entry.FromState)),
		nullStr(string(entry.ToState)), nullStr(entry.CorrelationID), nullStr(entry.Detail), entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return true, nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, error) {
	var where []string
	var args []any

	if filter.LoanLockID != "" {
		where = append(where, "loan_lock_id = ?")
		args = append(args, filter.LoanLockID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		where = append(where, "timestamp_ms >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, message_id, loan_lock_id, action, actor, from_state, to_state, correlation_id, detail, timestamp_ms FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		var lockID, from, to, corr, detail sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.MessageID, &lockID, &e.Action, &e.Actor, &from, &to, &corr, &detail, &ts); err != nil {
			return nil, err
		}
		e.LoanLockID = lockID.String
		e.FromState = schema.LockStatus(from.String)
		e.ToState = schema.LockStatus(to.String)
		e.CorrelationID = corr.String
		e.Detail = detail.String
		e.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Exception cases ---

func (s *LibSQLStore) CreateCase(ctx context.Context, c *ExceptionCase) error {
	now := s.now()
	c.Version = 1
	c.CreatedAt = timeOr(c.CreatedAt, now)
	c.UpdatedAt = now

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal exception case: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO exception_cases (id, loan_lock_id, source_message_id, status, destination, priority, version, data, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_message_id) DO NOTHING`,
		c.ID, nullStr(c.LoanLockID), c.SourceMessageID, string(c.Status), string(c.Destination), string(c.Priority),
		c.Version, string(data), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert exception case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return duplicateCase(c.SourceMessageID)
	}
	return nil
}

func (s *LibSQLStore) GetCase(ctx context.Context, id string) (*ExceptionCase, error) {
	return s.getCase(ctx, `SELECT data FROM exception_cases WHERE id = ?`, "exception case", id)
}

func (s *LibSQLStore) FindCaseBySource(ctx context.Context, sourceMessageID string) (*ExceptionCase, error) {
	return s.getCase(ctx, `SELECT data FROM exception_cases WHERE source_message_id = ?`, "exception case for message", sourceMessageID)
}

func (s *LibSQLStore) getCase(ctx context.Context, query, resource, key string) (*ExceptionCase, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound(resource, key)
	}
	if err != nil {
		return nil, err
	}
	c := &ExceptionCase{}
	if err := json.Unmarshal([]byte(data), c); err != nil {
		return nil, fmt.Errorf("unmarshal exception case: %w", err)
	}
	return c, nil
}

func (s *LibSQLStore) UpdateCase(ctx context.Context, c *ExceptionCase, expectedVersion int64) error {
	stamped := *c
	stamped.Version = expectedVersion + 1
	stamped.UpdatedAt = s.now()

	data, err := json.Marshal(&stamped)
	if err != nil {
		return fmt.Errorf("marshal exception case: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE exception_cases SET status = ?, destination = ?, priority = ?, version = ?, data = ?, updated_at_ms = ?
		 WHERE id = ? AND version = ?`,
		string(stamped.Status), string(stamped.Destination), string(stamped.Priority), stamped.Version,
		string(data), stamped.UpdatedAt.UnixMilli(), c.ID, expectedVersion,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update exception case %q: %s", c.ID, err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCase(ctx, c.ID); err != nil {
			return err
		}
		return versionConflict("exception case", c.ID, expectedVersion)
	}
	c.Version = stamped.Version
	c.UpdatedAt = stamped.UpdatedAt
	return nil
}

func (s *LibSQLStore) ListCases(ctx context.Context, filter CaseFilter) ([]*ExceptionCase, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.LoanLockID != "" {
		where = append(where, "loan_lock_id = ?")
		args = append(args, filter.LoanLockID)
	}
	if filter.Destination != "" {
		where = append(where, "destination = ?")
		args = append(args, string(filter.Destination))
	}

	query := "SELECT data FROM exception_cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at_ms ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*ExceptionCase
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		c := &ExceptionCase{}
		if err := json.Unmarshal([]byte(data), c); err != nil {
			return nil, fmt.Errorf("unmarshal exception case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// --- Helpers ---

func decodeRecord(data string) (*RateLockRecord, error) {
	rec := &RateLockRecord{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("unmarshal rate lock: %w", err)
	}
	return rec, nil
}

func activeKey(rec *RateLockRecord) any {
	if !IsActive(rec.Status) {
		return nil
	}
	return rec.LoanApplicationID
}

func expiresAt(rec *RateLockRecord) any {
	if rec.LockDetails == nil || rec.LockDetails.LockExpirationDate == nil {
		return nil
	}
	return rec.LockDetails.LockExpirationDate.UnixMilli()
}

func duplicateCase(sourceMessageID string) *schema.LockflowError {
	return schema.NewErrorf(schema.ErrCodeDuplicate, "exception case for message %q already exists", sourceMessageID).
		WithDetails(map[string]any{"source_message_id": sourceMessageID})
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*LibSQLStore)(nil)
