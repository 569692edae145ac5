package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-analytics/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds and bucket dates as YYYY-MM-DD text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func liteParam(int) string { return "?" }

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func liteDate(t time.Time) string { return t.Format(time.DateOnly) }

func parseLiteDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	return t, eris.Wrapf(err, "sqlite: parse bucket date %q", s)
}

const sqliteCounterColumns = `
	views                INTEGER NOT NULL DEFAULT 0,
	unique_views         INTEGER NOT NULL DEFAULT 0,
	impressions          INTEGER NOT NULL DEFAULT 0,
	impressions_search   INTEGER NOT NULL DEFAULT 0,
	impressions_featured INTEGER NOT NULL DEFAULT 0,
	impressions_similar  INTEGER NOT NULL DEFAULT 0,
	impressions_other    INTEGER NOT NULL DEFAULT 0,
	lead_actions         INTEGER NOT NULL DEFAULT 0,
	unique_leads         INTEGER NOT NULL DEFAULT 0,
	anonymous_leads      INTEGER NOT NULL DEFAULT 0,
	lead_phone           INTEGER NOT NULL DEFAULT 0,
	lead_whatsapp        INTEGER NOT NULL DEFAULT 0,
	lead_message         INTEGER NOT NULL DEFAULT 0,
	lead_email           INTEGER NOT NULL DEFAULT 0,
	lead_appointment     INTEGER NOT NULL DEFAULT 0,`

var sqliteMigration = `
CREATE TABLE IF NOT EXISTS analytics_buckets (
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	bucket_date TEXT NOT NULL,
	bucket_hour INTEGER NOT NULL DEFAULT -1,` + sqliteCounterColumns + `
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_kind, entity_id, bucket_date, bucket_hour)
);

CREATE TABLE IF NOT EXISTS bucket_contributions (
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL,
	entity_kind  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	bucket_date  TEXT NOT NULL,
	bucket_hour  INTEGER NOT NULL DEFAULT -1,` + sqliteCounterColumns + `
	PRIMARY KEY (window_start, window_end, entity_kind, entity_id, bucket_date, bucket_hour)
);

CREATE INDEX IF NOT EXISTS idx_bucket_contributions_key
	ON bucket_contributions (entity_kind, entity_id, bucket_date, bucket_hour);

CREATE TABLE IF NOT EXISTS rollup_pending (
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,` + sqliteCounterColumns + `
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (entity_kind, entity_id)
);

CREATE TABLE IF NOT EXISTS listings (
	id TEXT PRIMARY KEY,` + sqliteCounterColumns + `
	rollup_version    INTEGER NOT NULL DEFAULT 0,
	rollup_updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS developments (
	id TEXT PRIMARY KEY,` + sqliteCounterColumns + `
	rollup_version    INTEGER NOT NULL DEFAULT 0,
	rollup_updated_at INTEGER
);

CREATE TABLE IF NOT EXISTS lister_profiles (
	lister_type TEXT NOT NULL,
	id          TEXT NOT NULL,` + sqliteCounterColumns + `
	rollup_version    INTEGER NOT NULL DEFAULT 0,
	rollup_updated_at INTEGER,
	PRIMARY KEY (lister_type, id)
);

CREATE TABLE IF NOT EXISTS analytics_watermarks (
	pipeline   TEXT PRIMARY KEY,
	window_end INTEGER NOT NULL,
	cursor     TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS analytics_runs (
	id           TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL,
	replay       INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	stats        TEXT NOT NULL DEFAULT '{}',
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_analytics_runs_pipeline_started ON analytics_runs (pipeline, started_at);

CREATE TABLE IF NOT EXISTS leads (
	id                TEXT PRIMARY KEY,
	lister_id         TEXT NOT NULL,
	lister_type       TEXT NOT NULL,
	seeker_id         TEXT NOT NULL,
	listing_id        TEXT,
	context_type      TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'new',
	score             REAL NOT NULL DEFAULT 0,
	tier              TEXT NOT NULL DEFAULT 'Base',
	is_logged_in      INTEGER NOT NULL DEFAULT 0,
	first_action_date INTEGER NOT NULL,
	last_action_date  INTEGER NOT NULL,
	total_actions     INTEGER NOT NULL DEFAULT 0,
	contacted_at      INTEGER,
	scored_at         INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_leads_key
	ON leads (lister_id, lister_type, seeker_id, COALESCE(listing_id, ''), context_type);
CREATE INDEX IF NOT EXISTS idx_leads_lister_last_action ON leads (lister_id, lister_type, last_action_date);

CREATE TABLE IF NOT EXISTS lead_actions (
	event_id    TEXT PRIMARY KEY,
	lead_id     TEXT NOT NULL REFERENCES leads(id),
	action_type TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lead_actions_lead ON lead_actions (lead_id, occurred_at);

CREATE TABLE IF NOT EXISTS outbound_messages (
	event_id    TEXT PRIMARY KEY,
	lead_id     TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbound_messages_lead ON outbound_messages (lead_id, occurred_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Windows ---

// CommitWindow mirrors PostgresStore.CommitWindow.
func (s *SQLiteStore) CommitWindow(ctx context.Context, b *model.WindowBatch) (*model.CommitResult, error) {
	if !b.Window.Valid() {
		return nil, eris.Errorf("sqlite: invalid window %s", b.Window)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin commit window")
	}
	defer tx.Rollback() //nolint:errcheck

	now := ms(time.Now())
	res := &model.CommitResult{}
	ws, we := ms(b.Window.Start), ms(b.Window.End)

	old, keys, err := litePreviousContributions(ctx, tx, ws, we)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bucket_contributions WHERE window_start >= ? AND window_end <= ?`, ws, we,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: delete previous contributions")
	}

	insertContribution := fmt.Sprintf(`INSERT INTO bucket_contributions
		(window_start, window_end, entity_kind, entity_id, bucket_date, bucket_hour, %s)
		VALUES (?, ?, ?, ?, ?, ?, %s)`, counterList(), counterParams(liteParam, 1))
	for _, ct := range b.Contributions {
		keys.add(ct.Key)
		args := append([]any{ws, we, string(ct.Key.Entity.Kind), ct.Key.Entity.ID, liteDate(ct.Key.Date), ct.Key.Hour}, ct.Counters.Values()...)
		if _, err := tx.ExecContext(ctx, insertContribution, args...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert contribution %s", ct.Key.Entity)
		}
	}

	upsertBucket := fmt.Sprintf(`INSERT INTO analytics_buckets (entity_kind, entity_id, bucket_date, bucket_hour, %s, updated_at)
		SELECT ?, ?, ?, ?, %s, ? FROM bucket_contributions
		WHERE entity_kind = ? AND entity_id = ? AND bucket_date = ? AND bucket_hour = ?
		ON CONFLICT (entity_kind, entity_id, bucket_date, bucket_hour) DO UPDATE SET %s, updated_at = excluded.updated_at`,
		counterList(), counterSums(), counterExcluded())
	for _, k := range keys.sorted() {
		kind, date := string(k.Entity.Kind), liteDate(k.Date)
		if _, err := tx.ExecContext(ctx, upsertBucket,
			kind, k.Entity.ID, date, k.Hour, now,
			kind, k.Entity.ID, date, k.Hour,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: upsert bucket %s %s", k.Entity, date)
		}
		res.BucketsWritten++
	}

	upsertPending := fmt.Sprintf(`INSERT INTO rollup_pending (entity_kind, entity_id, %s, updated_at)
		VALUES (?, ?, %s, ?)
		ON CONFLICT (entity_kind, entity_id) DO UPDATE SET %s, updated_at = excluded.updated_at`,
		counterList(), counterParams(liteParam, 1), counterAccumulate("rollup_pending"))
	deltas := entityDeltas(old, b.Contributions)
	for _, ref := range sortedRefs(deltas) {
		d := deltas[ref]
		if d.IsZero() {
			continue
		}
		args := append([]any{string(ref.Kind), ref.ID}, d.Values()...)
		if _, err := tx.ExecContext(ctx, upsertPending, append(args, now)...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: record pending rollup %s", ref)
		}
		res.Entities = append(res.Entities, ref)
	}

	if err := liteCommitLeads(ctx, tx, b, now, res); err != nil {
		return nil, err
	}

	if b.AdvanceWatermark {
		if _, err := tx.ExecContext(ctx, `INSERT INTO analytics_watermarks (pipeline, window_end, cursor, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (pipeline) DO UPDATE SET
				window_end = MAX(analytics_watermarks.window_end, excluded.window_end),
				cursor = excluded.cursor,
				updated_at = excluded.updated_at`,
			b.Pipeline, we, b.Cursor, now,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: advance watermark")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit window")
	}
	return res, nil
}

func litePreviousContributions(ctx context.Context, tx *sql.Tx, ws, we int64) (map[model.EntityRef]model.Counters, keySet, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT entity_kind, entity_id, bucket_date, bucket_hour, %s
		FROM bucket_contributions WHERE window_start >= ? AND window_end <= ?`, counterList()), ws, we)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: read previous contributions")
	}
	defer rows.Close()

	old := make(map[model.EntityRef]model.Counters)
	keys := make(keySet)
	for rows.Next() {
		var kind, id, date string
		var hour int
		var c model.Counters
		if err := rows.Scan(append([]any{&kind, &id, &date, &hour}, c.Pointers()...)...); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan previous contribution")
		}
		d, err := parseLiteDate(date)
		if err != nil {
			return nil, nil, err
		}
		ref := model.EntityRef{Kind: model.EntityKind(kind), ID: id}
		old[ref] = old[ref].Add(c)
		keys.add(model.BucketKey{Entity: ref, Date: d, Hour: hour})
	}
	return old, keys, eris.Wrap(rows.Err(), "sqlite: iterate previous contributions")
}

func liteCommitLeads(ctx context.Context, tx *sql.Tx, b *model.WindowBatch, now int64, res *model.CommitResult) error {
	var touched leadSet
	for _, rec := range b.LeadActions {
		id := touched.add(rec.Key)
		k := rec.Key
		at := ms(rec.Action.OccurredAt)
		if _, err := tx.ExecContext(ctx, `INSERT INTO leads
			(id, lister_id, lister_type, seeker_id, listing_id, context_type, status, is_logged_in,
			 first_action_date, last_action_date, total_actions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				is_logged_in = MAX(leads.is_logged_in, excluded.is_logged_in),
				updated_at = excluded.updated_at`,
			id, k.ListerID, string(k.ListerType), k.SeekerID, nullable(k.ListingID), string(k.ContextType),
			string(model.LeadNew), rec.IsLoggedIn, at, at, now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert lead %s", id)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO lead_actions (event_id, lead_id, action_type, occurred_at)
			VALUES (?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
			rec.Action.EventID, id, string(rec.Action.Type), at,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert lead action %s", rec.Action.EventID)
		}
	}

	for _, id := range touched.ids {
		if _, err := tx.ExecContext(ctx, `UPDATE leads SET
			first_action_date = (SELECT MIN(occurred_at) FROM lead_actions WHERE lead_id = ?),
			last_action_date = (SELECT MAX(occurred_at) FROM lead_actions WHERE lead_id = ?),
			total_actions = (SELECT COUNT(*) FROM lead_actions WHERE lead_id = ?),
			updated_at = ?
			WHERE id = ?`, id, id, id, now, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: refresh lead %s", id)
		}
	}
	res.Leads = touched.ids

	var statusCheck leadSet
	for _, id := range touched.ids {
		statusCheck.add(touched.keys[id])
	}
	for _, ob := range b.Outbound {
		id := statusCheck.add(ob.Key)
		if _, err := tx.ExecContext(ctx, `INSERT INTO outbound_messages (event_id, lead_id, occurred_at)
			VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING`,
			ob.EventID, id, ms(ob.OccurredAt),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert outbound message %s", ob.EventID)
		}
	}

	for _, id := range statusCheck.ids {
		r, err := tx.ExecContext(ctx, `UPDATE leads SET status = ?,
			contacted_at = (SELECT MIN(occurred_at) FROM outbound_messages WHERE lead_id = ?),
			updated_at = ?
			WHERE id = ? AND status = ? AND EXISTS (SELECT 1 FROM outbound_messages WHERE lead_id = ?)`,
			string(model.LeadContacted), id, now, id, string(model.LeadNew), id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: mark lead %s contacted", id)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		res.Contacted += int(n)
	}

	for _, ob := range b.Outbound {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = ?)`, ob.Key.ID()).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check outbound lead")
		}
		if !exists {
			res.OrphanOutbound++
		}
	}
	return nil
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, pipeline string) (*model.Watermark, error) {
	var end, updated int64
	wm := model.Watermark{Pipeline: pipeline}
	err := s.db.QueryRowContext(ctx,
		`SELECT window_end, cursor, updated_at FROM analytics_watermarks WHERE pipeline = ?`, pipeline,
	).Scan(&end, &wm.Cursor, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get watermark %s", pipeline)
	}
	wm.WindowEnd = fromMS(end)
	wm.UpdatedAt = fromMS(updated)
	return &wm, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, wm model.Watermark) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO analytics_watermarks (pipeline, window_end, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (pipeline) DO UPDATE SET window_end = excluded.window_end, cursor = excluded.cursor, updated_at = excluded.updated_at`,
		wm.Pipeline, ms(wm.WindowEnd), wm.Cursor, ms(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: set watermark %s", wm.Pipeline)
}

// --- Run log ---

func (s *SQLiteStore) StartRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = model.RunRunning

	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO analytics_runs
		(id, pipeline, window_start, window_end, replay, status, started_at, stats)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, ms(run.WindowStart), ms(run.WindowEnd), run.Replay, string(run.Status), ms(run.StartedAt), string(stats),
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, stats model.RunStats) error {
	return s.finishRun(ctx, runID, model.RunComplete, stats, "")
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, stats model.RunStats, runErr string) error {
	return s.finishRun(ctx, runID, model.RunFailed, stats, runErr)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, stats model.RunStats, runErr string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE analytics_runs SET status = ?, completed_at = ?, stats = ?, error = ? WHERE id = ?`,
		string(status), ms(time.Now()), string(statsJSON), runErr, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, pipeline, window_start, window_end, replay, status, started_at, completed_at, stats, error
		FROM analytics_runs WHERE 1=1`
	args := []any{}

	if filter.Pipeline != "" {
		query += ` AND pipeline = ?`
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, ms(filter.Since))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit, 100, 10000))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status, stats string
		var start, end, started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Pipeline, &start, &end, &r.Replay, &status, &started, &completed, &stats, &r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.Status = model.RunStatus(status)
		r.WindowStart, r.WindowEnd, r.StartedAt = fromMS(start), fromMS(end), fromMS(started)
		if completed.Valid {
			t := fromMS(completed.Int64)
			r.CompletedAt = &t
		}
		if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal stats for run %s", r.ID)
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// --- Rollups ---

func (s *SQLiteStore) ListPendingRollups(ctx context.Context, limit int) ([]model.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_kind, entity_id FROM rollup_pending ORDER BY updated_at, entity_kind, entity_id LIMIT ?`,
		clampLimit(limit, 1000, 100000),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending rollups")
	}
	defer rows.Close()
	return liteScanEntityRefs(rows)
}

func (s *SQLiteStore) CountPendingRollups(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rollup_pending`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending rollups")
}

func (s *SQLiteStore) ApplyPendingRollup(ctx context.Context, ref model.EntityRef) (bool, error) {
	tbl, keyArgs := rollupTableFor(ref)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin apply rollup")
	}
	defer tx.Rollback() //nolint:errcheck

	var delta model.Counters
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM rollup_pending WHERE entity_kind = ? AND entity_id = ?`, counterList()),
		string(ref.Kind), ref.ID,
	).Scan(delta.Pointers()...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: read pending rollup %s", ref)
	}

	version, err := liteEnsureRollupRow(ctx, tx, tbl, keyArgs)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: rollup row %s", ref)
	}

	set := counterAssign(liteParam, 1, func(col, p string) string { return col + " + " + p })
	args := append(delta.Values(), ms(time.Now()), version)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s, rollup_version = rollup_version + 1, rollup_updated_at = ? WHERE rollup_version = ? AND %s`,
		tbl.name, set, tbl.where(liteParam, 1)), append(args, keyArgs...)...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: apply rollup %s", ref)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrConflict
	}

	sub := counterAssign(liteParam, 1, func(col, p string) string { return col + " - " + p })
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE rollup_pending SET %s WHERE entity_kind = ? AND entity_id = ?`, sub),
		append(delta.Values(), string(ref.Kind), ref.ID)...,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: drain pending rollup %s", ref)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM rollup_pending WHERE entity_kind = ? AND entity_id = ? AND %s`, allZero()),
		string(ref.Kind), ref.ID,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: clear pending rollup %s", ref)
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrapf(err, "sqlite: commit rollup %s", ref)
	}
	return true, nil
}

func liteEnsureRollupRow(ctx context.Context, tx *sql.Tx, tbl rollupTable, keyArgs []any) (int64, error) {
	cols, vals := tbl.keyCols[0], "?"
	if len(tbl.keyCols) == 2 {
		cols += ", " + tbl.keyCols[1]
		vals += ", ?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING`, tbl.name, cols, vals), keyArgs...); err != nil {
		return 0, err
	}
	var version int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT rollup_version FROM %s WHERE %s`, tbl.name, tbl.where(liteParam, 1)), keyArgs...).Scan(&version)
	return version, err
}

// ReconcileRollup overwrites the rollup with the sum of the entity's buckets.
// SQLite serializes writers, so the transaction alone keeps it consistent.
func (s *SQLiteStore) ReconcileRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error) {
	tbl, keyArgs := rollupTableFor(ref)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin reconcile")
	}
	defer tx.Rollback() //nolint:errcheck

	var sum model.Counters
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM analytics_buckets WHERE entity_kind = ? AND entity_id = ?`, counterSums()),
		string(ref.Kind), ref.ID,
	).Scan(sum.Pointers()...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: sum buckets %s", ref)
	}

	if _, err := liteEnsureRollupRow(ctx, tx, tbl, keyArgs); err != nil {
		return nil, eris.Wrapf(err, "sqlite: rollup row %s", ref)
	}

	now := time.Now().UTC()
	set := counterAssign(liteParam, 1, func(_, p string) string { return p })
	args := append(sum.Values(), ms(now))
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET %s, rollup_version = rollup_version + 1, rollup_updated_at = ? WHERE %s`,
		tbl.name, set, tbl.where(liteParam, 1)), append(args, keyArgs...)...,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: overwrite rollup %s", ref)
	}

	r := &model.Rollup{Entity: ref, Counters: sum, UpdatedAt: fromMS(ms(now))}
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT rollup_version FROM %s WHERE %s`, tbl.name, tbl.where(liteParam, 1)), keyArgs...,
	).Scan(&r.Version); err != nil {
		return nil, eris.Wrapf(err, "sqlite: read rollup version %s", ref)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rollup_pending WHERE entity_kind = ? AND entity_id = ?`, string(ref.Kind), ref.ID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: clear pending rollup %s", ref)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit reconcile %s", ref)
	}
	return r, nil
}

func (s *SQLiteStore) GetRollup(ctx context.Context, ref model.EntityRef) (*model.Rollup, error) {
	tbl, keyArgs := rollupTableFor(ref)
	r := &model.Rollup{Entity: ref}
	var updated sql.NullInt64
	dest := append(r.Counters.Pointers(), &r.Version, &updated)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s, rollup_version, rollup_updated_at FROM %s WHERE %s`, counterList(), tbl.name, tbl.where(liteParam, 1)),
		keyArgs...,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "rollup %s", ref)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rollup %s", ref)
	}
	if updated.Valid {
		r.UpdatedAt = fromMS(updated.Int64)
	}
	return r, nil
}

func (s *SQLiteStore) ListBucketEntities(ctx context.Context) ([]model.EntityRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity_kind, entity_id FROM analytics_buckets ORDER BY entity_kind, entity_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bucket entities")
	}
	defer rows.Close()
	return liteScanEntityRefs(rows)
}

func liteScanEntityRefs(rows *sql.Rows) ([]model.EntityRef, error) {
	var out []model.EntityRef
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		out = append(out, model.EntityRef{Kind: model.EntityKind(kind), ID: id})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entities")
}

// --- Buckets ---

func (s *SQLiteStore) ListBuckets(ctx context.Context, ref model.EntityRef, from, to time.Time) ([]model.BucketRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT bucket_date, bucket_hour, %s FROM analytics_buckets
		WHERE entity_kind = ? AND entity_id = ? AND bucket_date >= ? AND bucket_date < ?
		ORDER BY bucket_date, bucket_hour`, counterList()),
		string(ref.Kind), ref.ID, liteDate(from), liteDate(to),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list buckets %s", ref)
	}
	defer rows.Close()

	var out []model.BucketRow
	for rows.Next() {
		r := model.BucketRow{EntityID: ref.ID, EntityKind: ref.Kind}
		var date string
		if err := rows.Scan(append([]any{&date, &r.Hour}, r.Counters.Pointers()...)...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bucket")
		}
		if r.Date, err = parseLiteDate(date); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate buckets")
}

func (s *SQLiteStore) SumBuckets(ctx context.Context, ref model.EntityRef) (model.Counters, error) {
	var c model.Counters
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM analytics_buckets WHERE entity_kind = ? AND entity_id = ?`, counterSums()),
		string(ref.Kind), ref.ID,
	).Scan(c.Pointers()...)
	return c, eris.Wrapf(err, "sqlite: sum buckets %s", ref)
}

// --- Leads ---

type scannable interface {
	Scan(dest ...any) error
}

func liteScanLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var listerType, contextType, status, tier string
	var listingID sql.NullString
	var first, last int64
	var contacted, scored sql.NullInt64
	if err := row.Scan(&l.ID, &l.Key.ListerID, &listerType, &l.Key.SeekerID, &listingID, &contextType,
		&status, &l.Score, &tier, &l.IsLoggedIn, &first, &last, &l.TotalActions, &contacted, &scored); err != nil {
		return nil, err
	}
	l.Key.ListerType = model.ListerType(listerType)
	l.Key.ContextType = model.ContextType(contextType)
	l.Key.ListingID = listingID.String
	l.Status = model.LeadStatus(status)
	l.Tier = model.Tier(tier)
	l.FirstActionDate, l.LastActionDate = fromMS(first), fromMS(last)
	if contacted.Valid {
		t := fromMS(contacted.Int64)
		l.ContactedAt = &t
	}
	if scored.Valid {
		l.ScoredAt = fromMS(scored.Int64)
	}
	return &l, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, leadID string) (*model.Lead, error) {
	l, err := liteScanLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, leadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "lead %s", leadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", leadID)
	}
	return l, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter LeadFilter) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+leadColumns+` FROM leads
		WHERE lister_id = ? AND lister_type = ?
		ORDER BY last_action_date DESC, id
		LIMIT ? OFFSET ?`,
		filter.ListerID, string(filter.ListerType), clampLimit(filter.Limit, 50, 1000), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()

	var out []model.Lead
	for rows.Next() {
		l, err := liteScanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *SQLiteStore) ListLeadActions(ctx context.Context, leadID string) ([]model.LeadAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, action_type, occurred_at FROM lead_actions WHERE lead_id = ? ORDER BY occurred_at, event_id`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list actions for lead %s", leadID)
	}
	defer rows.Close()

	var out []model.LeadAction
	for rows.Next() {
		var a model.LeadAction
		var typ string
		var at int64
		if err := rows.Scan(&a.EventID, &typ, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead action")
		}
		a.Type = model.ActionType(typ)
		a.OccurredAt = fromMS(at)
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lead actions")
}

func (s *SQLiteStore) ListLeadIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM leads WHERE id > ? ORDER BY id LIMIT ?`, afterID, clampLimit(limit, 500, 10000))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lead ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate lead ids")
}

func (s *SQLiteStore) UpdateLeadScore(ctx context.Context, leadID string, score float64, tier model.Tier, scoredAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET score = ?, tier = ?, scored_at = ? WHERE id = ?`,
		score, string(tier), ms(scoredAt), leadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead score %s", leadID)
	}
	return checkRowsAffected(res, "lead", leadID)
}

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
