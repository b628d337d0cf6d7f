package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

// sqliteMaxVars keeps IN lists under SQLite's bound-parameter limit.
const sqliteMaxVars = 500

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	// writeMu serializes WithTx so concurrent batches never interleave.
	writeMu sync.Mutex
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS properties (
	identifier        TEXT PRIMARY KEY,
	street            TEXT,
	city              TEXT,
	zip_code          TEXT,
	owner_name        TEXT,
	market_value      INTEGER,
	assessed_value    INTEGER,
	property_type     TEXT,
	living_sqft       INTEGER,
	year_built        INTEGER,
	bedrooms          INTEGER,
	bathrooms         REAL,
	stories           INTEGER,
	lot_sqft          INTEGER,
	land_acres        REAL,
	tax_amount        INTEGER,
	tax_status        TEXT,
	tax_delinquent    INTEGER,
	tax_year          INTEGER,
	appraiser_url     TEXT,
	tax_collector_url TEXT,
	image_url         TEXT,
	source_precedence TEXT NOT NULL DEFAULT '{}',
	last_acquired     DATETIME,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_city ON properties(city);
CREATE INDEX IF NOT EXISTS idx_properties_zip ON properties(zip_code);
CREATE INDEX IF NOT EXISTS idx_properties_last_acquired ON properties(last_acquired);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	requested  INTEGER NOT NULL DEFAULT 0,
	report     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);

CREATE TABLE IF NOT EXISTS acquisition_failures (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	identifier     TEXT NOT NULL,
	lookup_key     TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	error          TEXT NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL,
	UNIQUE (identifier, source)
);

CREATE INDEX IF NOT EXISTS idx_failures_source ON acquisition_failures(source);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetProperty(ctx context.Context, id string) (*model.PropertyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+propertySelect+` FROM properties WHERE identifier = ?`, id)
	rec, err := scanProperty(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get property %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) LastAcquired(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	for _, part := range chunk(ids, sqliteMaxVars) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT identifier, last_acquired FROM properties
			 WHERE last_acquired IS NOT NULL AND identifier IN (`+placeholders(len(part))+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: last acquired")
		}
		for rows.Next() {
			var id string
			var ts time.Time
			if err := rows.Scan(&id, &ts); err != nil {
				_ = rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan last acquired")
			}
			out[id] = ts
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: last acquired iterate")
		}
	}
	return out, nil
}

func (s *SQLiteStore) CountProperties(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count properties")
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetProperties(ctx context.Context, ids []string) (map[string]*model.PropertyRecord, error) {
	out := make(map[string]*model.PropertyRecord, len(ids))
	for _, part := range chunk(ids, sqliteMaxVars) {
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := t.tx.QueryContext(ctx,
			`SELECT `+propertySelect+` FROM properties WHERE identifier IN (`+placeholders(len(part))+`)`,
			args...,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get properties")
		}
		for rows.Next() {
			rec, err := scanProperty(rows)
			if err != nil {
				_ = rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan property")
			}
			out[rec.Identifier] = rec
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: get properties iterate")
		}
	}
	return out, nil
}

var sqliteUpsertProperty = func() string {
	sets := make([]string, 0, len(propertyColumns)-1)
	for _, c := range propertyColumns[1:] {
		if c == "created_at" {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	return `INSERT INTO properties (` + propertySelect + `) VALUES (` + placeholders(len(propertyColumns)) + `)
		ON CONFLICT (identifier) DO UPDATE SET ` + strings.Join(sets, ", ")
}()

func (t *sqliteTx) PutProperties(ctx context.Context, recs []*model.PropertyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, sqliteUpsertProperty)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare upsert property")
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range recs {
		args, err := propertyArgs(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert property %s", r.Identifier)
		}
	}
	return nil
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, kind model.RunKind, requested int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, state, requested, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(kind), string(model.StatePending), requested, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &model.Run{
		ID:        id,
		Kind:      kind,
		State:     model.StatePending,
		Requested: requested,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state model.BatchState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run state %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, state model.BatchState, report *model.BatchReport, errMsg string) error {
	reportJSON, err := marshalReport(report)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, report = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state), reportJSON, nullString(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const runSelect = `SELECT id, kind, state, requested, report, error, created_at, updated_at FROM runs`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := runSelect + ` WHERE 1=1`
	var args []any
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reportJSON []byte
	var errMsg *string
	if err := row.Scan(&r.ID, &r.Kind, &r.State, &r.Requested, &reportJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	report, err := unmarshalReport(reportJSON)
	if err != nil {
		return nil, err
	}
	r.Report = report
	return &r, nil
}

// Failure queue

func (s *SQLiteStore) EnqueueFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin enqueue failures")
	}
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.LastFailedAt.IsZero() {
			e.LastFailedAt = now
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO acquisition_failures
			 (id, run_id, identifier, lookup_key, source, kind, error, attempts, retry_count, created_at, last_failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT (identifier, source) DO UPDATE SET
			   run_id = excluded.run_id, lookup_key = excluded.lookup_key, kind = excluded.kind,
			   error = excluded.error, attempts = excluded.attempts,
			   retry_count = acquisition_failures.retry_count + 1,
			   last_failed_at = excluded.last_failed_at`,
			e.ID, e.RunID, e.Identifier, e.LookupKey, e.Source, string(e.Kind), e.Error, e.Attempts,
			e.CreatedAt, e.LastFailedAt,
		)
		if err != nil {
			_ = tx.Rollback()
			return eris.Wrapf(err, "sqlite: enqueue failure %s", e.Identifier)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit enqueue failures")
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT id, run_id, identifier, lookup_key, source, kind, error, attempts, retry_count, created_at, last_failed_at
	          FROM acquisition_failures WHERE 1=1`
	var args []any
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Retryable {
		query += ` AND kind IN (?, ?, ?, ?)`
		args = append(args,
			string(resilience.KindPageTimeout), string(resilience.KindRateLimited),
			string(resilience.KindSessionExpired), string(resilience.KindCancelled))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY last_failed_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer func() { _ = rows.Close() }()

	var entries []resilience.FailureEntry
	for rows.Next() {
		var e resilience.FailureEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Identifier, &e.LookupKey, &e.Source, &e.Kind,
			&e.Error, &e.Attempts, &e.RetryCount, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) RemoveFailures(ctx context.Context, source string, ids []string) (int, error) {
	total := 0
	for _, part := range chunk(ids, sqliteMaxVars) {
		args := []any{source}
		for _, id := range part {
			args = append(args, id)
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM acquisition_failures WHERE source = ? AND identifier IN (`+placeholders(len(part))+`)`,
			args...,
		)
		if err != nil {
			return total, eris.Wrap(err, "sqlite: remove failures")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, eris.Wrap(err, "sqlite: rows affected")
		}
		total += int(n)
	}
	return total, nil
}

func (s *SQLiteStore) CountFailures(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM acquisition_failures`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count failures")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
