package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const (
	sqliteListTargetsSQL = `SELECT DISTINCT instrument, window_key
    FROM subscriptions
    WHERE enabled = 1
      AND metric_class = ?
    ORDER BY instrument, window_key;`

	sqliteSubscriptionColumns = `id, instrument, metric_class, window_key, direction, threshold, destination, enabled, last_fired_at, created_at`

	sqliteListCandidatesSQL = `SELECT ` + sqliteSubscriptionColumns + `
    FROM subscriptions
    WHERE enabled = 1
      AND instrument = ?
      AND metric_class = ?
      AND window_key = ?
      AND (last_fired_at IS NULL OR last_fired_at <= ?)
    ORDER BY id;`

	sqliteClaimSubscriptionSQL = `UPDATE subscriptions
    SET last_fired_at = ?
    WHERE id = ?
      AND enabled = 1
      AND (last_fired_at IS NULL OR last_fired_at <= ?);`

	sqliteListEnabledSQL = `SELECT ` + sqliteSubscriptionColumns + `
    FROM subscriptions
    WHERE enabled = 1
    ORDER BY destination, id;`

	sqliteDeleteSubscriptionSQL = `DELETE FROM subscriptions WHERE id = ?;`

	sqliteInsertSubscriptionSQL = `INSERT INTO subscriptions (` + sqliteSubscriptionColumns + `)
    VALUES (?,?,?,?,?,?,?,?,?,?);`

	sqliteEnsureInstrumentSQL = `INSERT INTO instruments (symbol, created_at) VALUES (?, ?) ON CONFLICT (symbol) DO NOTHING;`

	sqliteInsertSampleSQL = `INSERT INTO metric_samples (instrument, metric_class, window_key, value, observed_at, source)
    VALUES (?,?,?,?,?,?);`

	sqliteSampleColumns = `instrument, metric_class, window_key, value, observed_at, source`

	sqliteLatestSampleSQL = `SELECT ` + sqliteSampleColumns + `
    FROM metric_samples
    WHERE instrument = ? AND metric_class = ? AND window_key = ?
    ORDER BY observed_at DESC, id DESC
    LIMIT 1;`

	sqliteListSamplesBetweenSQL = `SELECT ` + sqliteSampleColumns + `
    FROM metric_samples
    WHERE instrument = ? AND metric_class = ? AND window_key = ?
      AND observed_at >= ? AND observed_at < ?
    ORDER BY observed_at, id;`

	sqliteListRecentSamplesSQL = `SELECT ` + sqliteSampleColumns + `
    FROM metric_samples
    WHERE instrument = ? AND metric_class = ? AND window_key = ?
    ORDER BY observed_at DESC, id DESC
    LIMIT ?;`
)

// SQLiteStore is an embedded single-node backend. Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	if !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Migrate applies the embedded schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

// ListTargets implements SubscriptionStore.
func (s *SQLiteStore) ListTargets(ctx context.Context, class MetricClass) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListTargetsSQL, string(class))
	if err != nil {
		return nil, unavailable("list targets", err)
	}
	defer rows.Close()

	targets := make([]Target, 0)
	for rows.Next() {
		var instrument, window string
		if err := rows.Scan(&instrument, &window); err != nil {
			return nil, unavailable("scan target", err)
		}
		targets = append(targets, Target{Instrument: instrument, Class: class, Window: Window(window)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list targets", err)
	}
	return targets, nil
}

// ListCandidates implements SubscriptionStore.
func (s *SQLiteStore) ListCandidates(ctx context.Context, target Target, notBefore time.Time) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListCandidatesSQL,
		target.Instrument, string(target.Class), string(target.Window), notBefore.UnixMilli())
	if err != nil {
		return nil, unavailable("list candidates", err)
	}
	return scanSQLiteSubscriptions(rows)
}

// ClaimSubscription implements SubscriptionStore with a single conditional update.
func (s *SQLiteStore) ClaimSubscription(ctx context.Context, id string, now, notBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqliteClaimSubscriptionSQL, now.UnixMilli(), id, notBefore.UnixMilli())
	if err != nil {
		return false, unavailable("claim subscription", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("claim subscription", err)
	}
	return affected == 1, nil
}

// ListEnabled implements SubscriptionStore.
func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListEnabledSQL)
	if err != nil {
		return nil, unavailable("list enabled", err)
	}
	return scanSQLiteSubscriptions(rows)
}

// DeleteSubscription implements SubscriptionStore.
func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, sqliteDeleteSubscriptionSQL, id)
	if err != nil {
		return unavailable("delete subscription", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return unavailable("delete subscription", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSubscription implements SubscriptionStore. A missing ID is generated.
func (s *SQLiteStore) InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	var lastFired sql.NullInt64
	if sub.LastFiredAt != nil {
		lastFired = sql.NullInt64{Int64: sub.LastFiredAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, sqliteInsertSubscriptionSQL,
		sub.ID,
		sub.Instrument,
		string(sub.Class),
		string(sub.Window),
		string(sub.Direction),
		sub.Threshold.String(),
		sub.Destination,
		boolToInt(sub.Enabled),
		lastFired,
		sub.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Subscription{}, unavailable("insert subscription", err)
	}
	return sub, nil
}

// AppendSample records a sample, creating its instrument on first observation.
func (s *SQLiteStore) AppendSample(ctx context.Context, sample MetricSample) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("append sample", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, sqliteEnsureInstrumentSQL, sample.Instrument, sample.ObservedAt.UnixMilli()); err != nil {
		return unavailable("ensure instrument", err)
	}
	if _, err = tx.ExecContext(ctx, sqliteInsertSampleSQL,
		sample.Instrument,
		string(sample.Class),
		string(sample.Window),
		sample.Value.String(),
		sample.ObservedAt.UnixMilli(),
		sample.Source,
	); err != nil {
		return unavailable("append sample", err)
	}
	if err = tx.Commit(); err != nil {
		return unavailable("append sample", err)
	}
	return nil
}

// LatestSample implements SampleStore.
func (s *SQLiteStore) LatestSample(ctx context.Context, target Target) (*MetricSample, error) {
	row := s.db.QueryRowContext(ctx, sqliteLatestSampleSQL, target.Instrument, string(target.Class), string(target.Window))
	sample, err := scanSQLiteSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// ListSamplesBetween implements SampleStore.
func (s *SQLiteStore) ListSamplesBetween(ctx context.Context, target Target, from, to time.Time) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListSamplesBetweenSQL,
		target.Instrument, string(target.Class), string(target.Window), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, unavailable("list samples between", err)
	}
	return scanSQLiteSamples(rows)
}

// ListRecentSamples implements SampleStore.
func (s *SQLiteStore) ListRecentSamples(ctx context.Context, target Target, limit int) ([]MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, sqliteListRecentSamplesSQL,
		target.Instrument, string(target.Class), string(target.Window), limit)
	if err != nil {
		return nil, unavailable("list recent samples", err)
	}
	return scanSQLiteSamples(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubscriptions(rows *sql.Rows) ([]Subscription, error) {
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var (
			sub                               Subscription
			class, window, direction, thrText string
			enabled                           int
			lastFired                         sql.NullInt64
			createdAt                         int64
		)
		if err := rows.Scan(
			&sub.ID,
			&sub.Instrument,
			&class,
			&window,
			&direction,
			&thrText,
			&sub.Destination,
			&enabled,
			&lastFired,
			&createdAt,
		); err != nil {
			return nil, unavailable("scan subscription", err)
		}
		threshold, err := decimal.NewFromString(thrText)
		if err != nil {
			return nil, fmt.Errorf("parse threshold of %s: %w", sub.ID, err)
		}
		sub.Class = MetricClass(class)
		sub.Window = Window(window)
		sub.Direction = Direction(direction)
		sub.Threshold = threshold
		sub.Enabled = enabled != 0
		sub.CreatedAt = time.UnixMilli(createdAt).UTC()
		if lastFired.Valid {
			t := time.UnixMilli(lastFired.Int64).UTC()
			sub.LastFiredAt = &t
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan subscriptions", err)
	}
	return subs, nil
}

func scanSQLiteSamples(rows *sql.Rows) ([]MetricSample, error) {
	defer rows.Close()

	samples := make([]MetricSample, 0)
	for rows.Next() {
		sample, err := scanSQLiteSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan samples", err)
	}
	return samples, nil
}

func scanSQLiteSample(row rowScanner) (MetricSample, error) {
	var (
		sample              MetricSample
		class, window, text string
		observedAt          int64
	)
	if err := row.Scan(&sample.Instrument, &class, &window, &text, &observedAt, &sample.Source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MetricSample{}, err
		}
		return MetricSample{}, unavailable("scan sample", err)
	}
	value, err := decimal.NewFromString(text)
	if err != nil {
		return MetricSample{}, fmt.Errorf("parse sample value: %w", err)
	}
	sample.Class = MetricClass(class)
	sample.Window = Window(window)
	sample.Value = value
	sample.ObservedAt = time.UnixMilli(observedAt).UTC()
	return sample, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ Repository = (*SQLiteStore)(nil)
