package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/parcel-cli/internal/db"
	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

// reconcileLockKey is the advisory lock taken by every WithTx so batch
// writes from separate processes never interleave.
const reconcileLockKey int64 = 0x70617263656c

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore from a connection string.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS properties (
	identifier        TEXT PRIMARY KEY,
	street            TEXT,
	city              TEXT,
	zip_code          TEXT,
	owner_name        TEXT,
	market_value      BIGINT,
	assessed_value    BIGINT,
	property_type     TEXT,
	living_sqft       INTEGER,
	year_built        INTEGER,
	bedrooms          INTEGER,
	bathrooms         DOUBLE PRECISION,
	stories           INTEGER,
	lot_sqft          INTEGER,
	land_acres        DOUBLE PRECISION,
	tax_amount        BIGINT,
	tax_status        TEXT,
	tax_delinquent    BOOLEAN,
	tax_year          INTEGER,
	appraiser_url     TEXT,
	tax_collector_url TEXT,
	image_url         TEXT,
	source_precedence JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_acquired     TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_properties_city ON properties(city);
CREATE INDEX IF NOT EXISTS idx_properties_zip ON properties(zip_code);
CREATE INDEX IF NOT EXISTS idx_properties_last_acquired ON properties(last_acquired);

CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	requested  INTEGER NOT NULL DEFAULT 0,
	report     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at     TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL,
	UNIQUE (identifier, source)
);

CREATE INDEX IF NOT EXISTS idx_failures_source ON acquisition_failures(source);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.QueryRow(ctx, "SELECT 1").Scan(new(int)), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id string) (*model.PropertyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+propertySelect+` FROM properties WHERE identifier = $1`, id)
	rec, err := scanProperty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get property %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) LastAcquired(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT identifier, last_acquired FROM properties
		 WHERE identifier = ANY($1) AND last_acquired IS NOT NULL`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: last acquired")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ts time.Time
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, eris.Wrap(err, "postgres: scan last acquired")
		}
		out[id] = ts
	}
	return out, eris.Wrap(rows.Err(), "postgres: last acquired iterate")
}

func (s *PostgresStore) CountProperties(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM properties`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count properties")
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, reconcileLockKey); err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrap(err, "postgres: advisory lock")
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetProperties(ctx context.Context, ids []string) (map[string]*model.PropertyRecord, error) {
	out := make(map[string]*model.PropertyRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+propertySelect+` FROM properties WHERE identifier = ANY($1) FOR UPDATE`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get properties")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanProperty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan property")
		}
		out[rec.Identifier] = rec
	}
	return out, eris.Wrap(rows.Err(), "postgres: get properties iterate")
}

func (t *pgTx) PutProperties(ctx context.Context, recs []*model.PropertyRecord) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		args, err := propertyArgs(r)
		if err != nil {
			return err
		}
		rows = append(rows, args)
	}
	updateCols := make([]string, 0, len(propertyColumns))
	for _, c := range propertyColumns[1:] {
		if c != "created_at" {
			updateCols = append(updateCols, c)
		}
	}
	_, err := db.BulkUpsert(ctx, t.tx, db.UpsertConfig{
		Table:        "properties",
		Columns:      propertyColumns,
		ConflictKeys: []string{"identifier"},
		UpdateCols:   updateCols,
	}, rows)
	return eris.Wrap(err, "postgres: upsert properties")
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, kind model.RunKind, requested int) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, kind, state, requested, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, string(kind), string(model.StatePending), requested, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
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

func (s *PostgresStore) UpdateRunState(ctx context.Context, runID string, state model.BatchState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3`,
		string(state), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run state %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, state model.BatchState, report *model.BatchReport, errMsg string) error {
	reportJSON, err := marshalReport(report)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, report = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(state), reportJSON, nullString(errMsg), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", runID)
	}
	return nil
}

const pgRunSelect = `SELECT id, kind, state, requested, report, error, created_at, updated_at FROM runs`

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, pgRunSelect+` WHERE id = $1`, runID)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := pgRunSelect + ` WHERE 1=1`
	var args []any
	n := 1
	if filter.State != "" {
		query += ` AND state = $` + itoa(n)
		args = append(args, string(filter.State))
		n++
	}
	if filter.Kind != "" {
		query += ` AND kind = $` + itoa(n)
		args = append(args, string(filter.Kind))
		n++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT $` + itoa(n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// Failure queue

func (s *PostgresStore) EnqueueFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now().UTC()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.LastFailedAt.IsZero() {
			e.LastFailedAt = now
		}
		batch.Queue(
			`INSERT INTO acquisition_failures
			 (id, run_id, identifier, lookup_key, source, kind, error, attempts, retry_count, created_at, last_failed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
			 ON CONFLICT (identifier, source) DO UPDATE SET
			   run_id = EXCLUDED.run_id, lookup_key = EXCLUDED.lookup_key, kind = EXCLUDED.kind,
			   error = EXCLUDED.error, attempts = EXCLUDED.attempts,
			   retry_count = acquisition_failures.retry_count + 1,
			   last_failed_at = EXCLUDED.last_failed_at`,
			e.ID, e.RunID, e.Identifier, e.LookupKey, e.Source, string(e.Kind), e.Error, e.Attempts,
			e.CreatedAt, e.LastFailedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin enqueue failures")
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			_ = tx.Rollback(ctx)
			return eris.Wrap(err, "postgres: enqueue failure")
		}
	}
	if err := br.Close(); err != nil {
		_ = tx.Rollback(ctx)
		return eris.Wrap(err, "postgres: close failure batch")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit enqueue failures")
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT id, run_id, identifier, lookup_key, source, kind, error, attempts, retry_count, created_at, last_failed_at
	          FROM acquisition_failures WHERE 1=1`
	var args []any
	n := 1
	if filter.Source != "" {
		query += ` AND source = $` + itoa(n)
		args = append(args, filter.Source)
		n++
	}
	if filter.Retryable {
		query += ` AND kind = ANY($` + itoa(n) + `)`
		args = append(args, []string{
			string(resilience.KindPageTimeout), string(resilience.KindRateLimited),
			string(resilience.KindSessionExpired), string(resilience.KindCancelled),
		})
		n++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY last_failed_at ASC LIMIT $` + itoa(n)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var entries []resilience.FailureEntry
	for rows.Next() {
		var e resilience.FailureEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Identifier, &e.LookupKey, &e.Source, &e.Kind,
			&e.Error, &e.Attempts, &e.RetryCount, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) RemoveFailures(ctx context.Context, source string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM acquisition_failures WHERE source = $1 AND identifier = ANY($2)`, source, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: remove failures")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountFailures(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM acquisition_failures`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count failures")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
