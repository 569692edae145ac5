package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-analytics/internal/db"
	"github.com/sells-group/listing-analytics/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.TxPool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
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

func pgParam(i int) string { return "$" + strconv.Itoa(i) }

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate applies the embedded migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isSerializationFailure reports whether err is a Postgres serialization
// failure or deadlock, which callers treat as a rollup conflict.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// --- Windows ---

var contributionColumns = append([]string{
	"window_start", "window_end", "entity_kind", "entity_id", "bucket_date", "bucket_hour",
}, model.CounterColumns...)

// contributionRows lays out one COPY row per contribution in contributionColumns order.
func contributionRows(b *model.WindowBatch) [][]any {
	rows := make([][]any, 0, len(b.Contributions))
	for _, ct := range b.Contributions {
		row := []any{b.Window.Start, b.Window.End, string(ct.Key.Entity.Kind), ct.Key.Entity.ID, dateOnly(ct.Key.Date), ct.Key.Hour}
		rows = append(rows, append(row, ct.Counters.Values()...))
	}
	return rows
}

// CommitWindow replaces the window's bucket contributions, recomputes the
// affected buckets, records rollup deltas and lead activity, and optionally
// advances the watermark, all in one transaction.
func (s *PostgresStore) CommitWindow(ctx context.Context, b *model.WindowBatch) (*model.CommitResult, error) {
	if !b.Window.Valid() {
		return nil, eris.Errorf("postgres: invalid window %s", b.Window)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin commit window")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	res := &model.CommitResult{}

	old, keys, err := pgPreviousContributions(ctx, tx, b.Window)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM bucket_contributions WHERE window_start >= $1 AND window_end <= $2`,
		b.Window.Start, b.Window.End,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: delete previous contributions")
	}

	for _, ct := range b.Contributions {
		keys.add(ct.Key)
	}
	if _, err := db.CopyFrom(ctx, tx, "bucket_contributions", contributionColumns, contributionRows(b)); err != nil {
		return nil, eris.Wrap(err, "postgres: copy contributions")
	}

	upsertBucket := fmt.Sprintf(`INSERT INTO analytics_buckets (entity_kind, entity_id, bucket_date, bucket_hour, %s, updated_at)
		SELECT $1::text, $2::text, $3::date, $4::int, %s, $5 FROM bucket_contributions
		WHERE entity_kind = $1 AND entity_id = $2 AND bucket_date = $3 AND bucket_hour = $4
		ON CONFLICT (entity_kind, entity_id, bucket_date, bucket_hour) DO UPDATE SET %s, updated_at = excluded.updated_at`,
		counterList(), counterSums(), counterExcluded())
	for _, k := range keys.sorted() {
		if _, err := tx.Exec(ctx, upsertBucket, string(k.Entity.Kind), k.Entity.ID, k.Date, k.Hour, now); err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert bucket %s %s", k.Entity, k.Date.Format(time.DateOnly))
		}
		res.BucketsWritten++
	}

	upsertPending := fmt.Sprintf(`INSERT INTO rollup_pending (entity_kind, entity_id, %s, updated_at)
		VALUES ($1, $2, %s, $%d)
		ON CONFLICT (entity_kind, entity_id) DO UPDATE SET %s, updated_at = excluded.updated_at`,
		counterList(), counterParams(pgParam, 3), 3+len(model.CounterColumns), counterAccumulate("rollup_pending"))
	deltas := entityDeltas(old, b.Contributions)
	for _, ref := range sortedRefs(deltas) {
		d := deltas[ref]
		if d.IsZero() {
			continue
		}
		args := append([]any{string(ref.Kind), ref.ID}, d.Values()...)
		if _, err := tx.Exec(ctx, upsertPending, append(args, now)...); err != nil {
			return nil, eris.Wrapf(err, "postgres: record pending rollup %s", ref)
		}
		res.Entities = append(res.Entities, ref)
	}

	if err := pgCommitLeads(ctx, tx, b, now, res); err != nil {
		return nil, err
	}

	if b.AdvanceWatermark {
		if _, err := tx.Exec(ctx, `INSERT INTO analytics_watermarks (pipeline, window_end, cursor, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (pipeline) DO UPDATE SET
				window_end = GREATEST(analytics_watermarks.window_end, excluded.window_end),
				cursor = excluded.cursor,
				updated_at = excluded.updated_at`,
			b.Pipeline, b.Window.End, b.Cursor, now,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: advance watermark")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit window")
	}
	return res, nil
}

func pgPreviousContributions(ctx context.Context, tx pgx.Tx, w model.Window) (map[model.EntityRef]model.Counters, keySet, error) {
	rows, err := tx.Query(ctx, fmt.Sprintf(`SELECT entity_kind, entity_id, bucket_date, bucket_hour, %s
		FROM bucket_contributions WHERE window_start >= $1 AND window_end <= $2`, counterList()),
		w.Start, w.End,
	)
	if err != nil {
		return nil, nil, eris.Wrap(err, "postgres: read previous contributions")
	}
	defer rows.Close()

	old := make(map[model.EntityRef]model.Counters)
	keys := make(keySet)
	for rows.Next() {
		var kind, id string
		var date time.Time
		var hour int
		var c model.Counters
		if err := rows.Scan(append([]any{&kind, &id, &date, &hour}, c.Pointers()...)...); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan previous contribution")
		}
		ref := model.EntityRef{Kind: model.EntityKind(kind), ID: id}
		old[ref] = old[ref].Add(c)
		keys.add(model.BucketKey{Entity: ref, Date: date, Hour: hour})
	}
	return old, keys, eris.Wrap(rows.Err(), "postgres: iterate previous contributions")
}

func pgCommitLeads(ctx context.Context, tx pgx.Tx, b *model.WindowBatch, now time.Time, res *model.CommitResult) error {
	var touched leadSet
	for _, rec := range b.LeadActions {
		id := touched.add(rec.Key)
		k := rec.Key
		if _, err := tx.Exec(ctx, `INSERT INTO leads
			(id, lister_id, lister_type, seeker_id, listing_id, context_type, status, is_logged_in,
			 first_action_date, last_action_date, total_actions, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, 0, $10, $10)
			ON CONFLICT (id) DO UPDATE SET
				is_logged_in = leads.is_logged_in OR excluded.is_logged_in,
				updated_at = excluded.updated_at`,
			id, k.ListerID, string(k.ListerType), k.SeekerID, nullable(k.ListingID), string(k.ContextType),
			string(model.LeadNew), rec.IsLoggedIn, rec.Action.OccurredAt, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert lead %s", id)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO lead_actions (event_id, lead_id, action_type, occurred_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
			rec.Action.EventID, id, string(rec.Action.Type), rec.Action.OccurredAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert lead action %s", rec.Action.EventID)
		}
	}

	for _, id := range touched.ids {
		if _, err := tx.Exec(ctx, `UPDATE leads SET
			first_action_date = (SELECT MIN(occurred_at) FROM lead_actions WHERE lead_id = $1),
			last_action_date = (SELECT MAX(occurred_at) FROM lead_actions WHERE lead_id = $1),
			total_actions = (SELECT COUNT(*) FROM lead_actions WHERE lead_id = $1),
			updated_at = $2
			WHERE id = $1`, id, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: refresh lead %s", id)
		}
	}
	res.Leads = touched.ids

	var statusCheck leadSet
	for _, id := range touched.ids {
		statusCheck.add(touched.keys[id])
	}
	for _, ob := range b.Outbound {
		id := statusCheck.add(ob.Key)
		if _, err := tx.Exec(ctx, `INSERT INTO outbound_messages (event_id, lead_id, occurred_at)
			VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
			ob.EventID, id, ob.OccurredAt,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert outbound message %s", ob.EventID)
		}
	}

	for _, id := range statusCheck.ids {
		tag, err := tx.Exec(ctx, `UPDATE leads SET status = $2,
			contacted_at = (SELECT MIN(occurred_at) FROM outbound_messages WHERE lead_id = $1),
			updated_at = $4
			WHERE id = $1 AND status = $3 AND EXISTS (SELECT 1 FROM outbound_messages WHERE lead_id = $1)`,
			id, string(model.LeadContacted), string(model.LeadNew), now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: mark lead %s contacted", id)
		}
		res.Contacted += int(tag.RowsAffected())
	}

	for _, ob := range b.Outbound {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, ob.Key.ID()).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check outbound lead")
		}
		if !exists {
			res.OrphanOutbound++
		}
	}
	return nil
}

// GetWatermark returns the pipeline watermark, or nil when none is stored.
func (s *PostgresStore) GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error) {
	wm := model.Watermark{Pipeline: pipeline}
	err := s.pool.QueryRow(ctx,
		`SELECT window_end, cursor, updated_at FROM analytics_watermarks WHERE pipeline = $1`,
		pipeline,
	).Scan(&wm.WindowEnd, &wm.Cursor, &wm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get watermark %s", pipeline)
	}
	return &wm, nil
}

// SetWatermark overwrites the pipeline watermark.
func (s *PostgresStore) SetWatermark(ctx context.Context, wm model.Watermark) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO analytics_watermarks (pipeline, window_end, cursor, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pipeline) DO UPDATE SET window_end = excluded.window_end, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		wm.Pipeline, wm.WindowEnd, wm.Cursor, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: set watermark %s", wm.Pipeline)
}

// --- Run log ---

func (s *PostgresStore) StartRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = model.RunRunning

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO analytics_runs
		(id, pipeline, window_start, window_end, replay, status, started_at, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Pipeline, run.WindowStart, run.WindowEnd, run.Replay, string(run.Status), run.StartedAt, stats,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunComplete, stats, "")
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, stats model.RunStats, runErr string) error {
	return s.finishRun(ctx, runID, model.RunFailed, stats, runErr)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE analytics_runs SET status = $1, completed_at = $2, stats = $3, error = $4 WHERE id = $5`,
		string(status), time.Now().UTC(), statsJSON, runErr, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, pipeline, window_start, window_end, replay, status, started_at, completed_at, stats, error
		FROM analytics_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Pipeline != "" {
		query += fmt.Sprintf(` AND pipeline = $%d`, argIdx)
		args = append(args, filter.Pipeline)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit, 100, 10000))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		var stats []byte
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.WindowStart, &r.WindowEnd, &r.Replay, &status,
			&r.StartedAt, &r.CompletedAt, &stats, &r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		if len(stats) > 0 {
			if err := json.Unmarshal(stats, &r.Stats); err != nil {
				return nil, eris.Wrapf(err, "postgres: unmarshal stats for run %s", r.ID)
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// --- Rollups ---

func (s *PostgresStore) ListPendingRollups(ctx context.Context, limit int) ([]model.EntityRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_kind, entity_id FROM rollup_pending ORDER BY updated_at, entity_kind, entity_id LIMIT $1`,
		clampLimit(limit, 1000, 100000),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending rollups")
	}
	defer rows.Close()
	return scanEntityRefs(rows)
}

func (s *PostgresStore) CountPendingRollups(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM rollup_pending`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending rollups")
}

// ApplyPendingRollup adds the entity's pending delta to its rollup under an
// optimistic version check. Returns false when nothing was pending and
// ErrConflict when the rollup changed concurrently.
func (s *PostgresStore) ApplyPendingRollup(ctx context.Context, ref model.EntityRef) (bool, error) {
	tbl, keyArgs := rollupTableFor(ref)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin apply rollup")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var delta model.Counters
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM rollup_pending WHERE entity_kind = $1 AND entity_id = $2`, counterList()),
		string(ref.Kind), ref.ID,
	).Scan(delta.Pointers()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: read pending rollup %s", ref)
	}

	version, err := pgEnsureRollupRow(ctx, tx, tbl, keyArgs)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: rollup row %s", ref)
	}

	n := len(model.CounterColumns)
	set := counterAssign(pgParam, 1, func(col, p string) string { return col + " + " + p })
	args := append(delta.Values(), time.Now().UTC(), version)
	args = append(args, keyArgs...)
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET %s, rollup_version = rollup_version + 1, rollup_updated_at = $%d WHERE rollup_version = $%d AND %s`,
		tbl.name, set, n+1, n+2, tbl.where(pgParam, n+3)), args...)
	if err != nil {
		if isSerializationFailure(err) {
			return false, ErrConflict
		}
		return false, eris.Wrapf(err, "postgres: apply rollup %s", ref)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrConflict
	}

	sub := counterAssign(pgParam, 1, func(col, p string) string { return col + " - " + p })
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE rollup_pending SET %s WHERE entity_kind = $%d AND entity_id = $%d`, sub, n+1, n+2),
		append(delta.Values(), string(ref.Kind), ref.ID)...,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: drain pending rollup %s", ref)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM rollup_pending WHERE entity_kind = $1 AND entity_id = $2 AND %s`, allZero()),
		string(ref.Kind), ref.ID,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: clear pending rollup %s", ref)
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return false, ErrConflict
		}
		return false, eris.Wrapf(err, "postgres: commit rollup %s", ref)
	}
	return true, nil
}

func pgEnsureRollupRow(ctx context.Context, tx pgx.Tx, tbl rollupTable, keyArgs []any) (int64, error) {
	cols := tbl.keyCols[0]
	vals := "$1"
	if len(tbl.keyCols) == 2 {
		cols += ", " + tbl.keyCols[1]
		vals += ", $2"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`, tbl.name, cols, vals), keyArgs...); err != nil {
		return 0, err
	}
	var version int64
	err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT rollup_version FROM %s WHERE %s`, tbl.name, tbl.where(pgParam, 1)), keyArgs...).Scan(&version)
	return version, err
}

// ReconcileRollup overwrites the rollup with the sum of the entity's buckets
// and clears its pending delta. The repeatable-read snapshot keeps the sum
// and the cleared delta consistent; a concurrent window commit surfaces as
// ErrConflict.
func (s *PostgresStore) ReconcileRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error) {
	tbl, keyArgs := rollupTableFor(ref)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin reconcile")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var sum model.Counters
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM analytics_buckets WHERE entity_kind = $1 AND entity_id = $2`, counterSums()),
		string(ref.Kind), ref.ID,
	).Scan(sum.Pointers()...); err != nil {
		return nil, pgConflictOr(err, "postgres: sum buckets %s", ref)
	}

	if _, err := pgEnsureRollupRow(ctx, tx, tbl, keyArgs); err != nil {
		return nil, pgConflictOr(err, "postgres: rollup row %s", ref)
	}

	n := len(model.CounterColumns)
	now := time.Now().UTC()
	set := counterAssign(pgParam, 1, func(_, p string) string { return p })
	args := append(sum.Values(), now)
	args = append(args, keyArgs...)
	r := &model.Rollup{Entity: ref, Counters: sum, UpdatedAt: now}
	if err := tx.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s SET %s, rollup_version = rollup_version + 1, rollup_updated_at = $%d WHERE %s RETURNING rollup_version`,
		tbl.name, set, n+1, tbl.where(pgParam, n+2)), args...,
	).Scan(&r.Version); err != nil {
		return nil, pgConflictOr(err, "postgres: overwrite rollup %s", ref)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rollup_pending WHERE entity_kind = $1 AND entity_id = $2`, string(ref.Kind), ref.ID); err != nil {
		return nil, pgConflictOr(err, "postgres: clear pending rollup %s", ref)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, pgConflictOr(err, "postgres: commit reconcile %s", ref)
	}
	return r, nil
}

func pgConflictOr(err error, format string, ref model.EntityRef) error {
	if isSerializationFailure(err) {
		return ErrConflict
	}
	return eris.Wrapf(err, format, ref)
}

func (s *PostgresStore) GetRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error) {
	tbl, keyArgs := rollupTableFor(ref)
	r := &model.Rollup{Entity: ref}
	var updated *time.Time
	dest := append(r.Counters.Pointers(), &r.Version, &updated)
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s, rollup_version, rollup_updated_at FROM %s WHERE %s`, counterList(), tbl.name, tbl.where(pgParam, 1)),
		keyArgs...,
	).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rollup %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rollup %s", ref)
	}
	if updated != nil {
		r.UpdatedAt = *updated
	}
	return r, nil
}

func (s *PostgresStore) ListBucketEntities(ctx context.Context) ([]model.EntityRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT entity_kind, entity_id FROM analytics_buckets ORDER BY entity_kind, entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bucket entities")
	}
	defer rows.Close()
	return scanEntityRefs(rows)
}

func scanEntityRefs(rows pgx.Rows) ([]model.EntityRef, error) {
	var out []model.EntityRef
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		out = append(out, model.EntityRef{Kind: model.EntityKind(kind), ID: id})
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate entities")
}

// --- Buckets ---

// ListBuckets returns the entity's buckets with from <= date < to.
func (s *PostgresStore) ListBuckets(ctx context.Context, ref model.EntityRef, from, to time.Time) ([]model.BucketRow, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT bucket_date, bucket_hour, %s FROM analytics_buckets
		WHERE entity_kind = $1 AND entity_id = $2 AND bucket_date >= $3 AND bucket_date < $4
		ORDER BY bucket_date, bucket_hour`, counterList()),
		string(ref.Kind), ref.ID, dateOnly(from), dateOnly(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list buckets %s", ref)
	}
	defer rows.Close()

	var out []model.BucketRow
	for rows.Next() {
		r := model.BucketRow{EntityID: ref.ID, EntityKind: ref.Kind}
		if err := rows.Scan(append([]any{&r.Date, &r.Hour}, r.Counters.Pointers()...)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan bucket")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate buckets")
}

func (s *PostgresStore) SumBuckets(ctx context.Context, ref model.EntityRef) (model.Counters, error) {
	var c model.Counters
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM analytics_buckets WHERE entity_kind = $1 AND entity_id = $2`, counterSums()),
		string(ref.Kind), ref.ID,
	).Scan(c.Pointers()...)
	return c, eris.Wrapf(err, "postgres: sum buckets %s", ref)
}

// --- Leads ---

const leadColumns = `id, lister_id, lister_type, seeker_id, listing_id, context_type, status, score, tier,
	is_logged_in, first_action_date, last_action_date, total_actions, contacted_at, scored_at`

func scanLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var listerType, contextType, status, tier string
	var listingID *string
	var scoredAt *time.Time
	if err := row.Scan(&l.ID, &l.Key.ListerID, &listerType, &l.Key.SeekerID, &listingID, &contextType,
		&status, &l.Score, &tier, &l.IsLoggedIn, &l.FirstActionDate, &l.LastActionDate, &l.TotalActions,
		&l.ContactedAt, &scoredAt); err != nil {
		return nil, err
	}
	l.Key.ListerType = model.ListerType(listerType)
	l.Key.ContextType = model.ContextType(contextType)
	if listingID != nil {
		l.Key.ListingID = *listingID
	}
	l.Status = model.LeadStatus(status)
	l.Tier = model.Tier(tier)
	if scoredAt != nil {
		l.ScoredAt = *scoredAt
	}
	return &l, nil
}

func (s *PostgresStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	l, err := scanLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, leadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", leadID)
	}
	return l, nil
}

// ListLeads returns a lister's leads, most recently active first.
func (s *PostgresStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE lister_id = $1 AND lister_type = $2
		ORDER BY last_action_date DESC, id
		LIMIT $3 OFFSET $4`,
		filter.ListerID, string(filter.ListerType), clampLimit(filter.Limit, 50, 1000), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (s *PostgresStore) ListLeadActions(ctx context.Context, leadID string) ([]model.LeadAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, action_type, occurred_at FROM lead_actions WHERE lead_id = $1 ORDER BY occurred_at, event_id`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list actions for lead %s", leadID)
	}
	defer rows.Close()

	var out []model.LeadAction
	for rows.Next() {
		var a model.LeadAction
		var typ string
		if err := rows.Scan(&a.EventID, &typ, &a.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead action")
		}
		a.Type = model.ActionType(typ)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lead actions")
}

func (s *PostgresStore) ListLeadIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM leads WHERE id > $1 ORDER BY id LIMIT $2`, afterID, clampLimit(limit, 500, 10000))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lead ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate lead ids")
}

func (s *PostgresStore) UpdateLeadScore(ctx context.Context, leadID string, score float64, tier model.Tier, scoredAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET score = $1, tier = $2, scored_at = $3 WHERE id = $4`,
		score, string(tier), scoredAt, leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead score %s", leadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "lead %s", leadID)
	}
	return nil
}
