package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStoreUnavailable wraps every failure talking to the backing database.
	ErrStoreUnavailable = errors.New("storage: unavailable")
	// ErrNotFound is returned when a mutation matched no row.
	ErrNotFound = errors.New("storage: not found")
)

//go:embed schema/postgres.sql
var postgresSchema string

const (
	listTargetsSQL = `SELECT DISTINCT instrument, window_key
    FROM subscriptions
    WHERE enabled
      AND metric_class = $1
    ORDER BY instrument, window_key;`

	listCandidatesSQL = `SELECT
        id,
        instrument,
        metric_class,
        window_key,
        direction,
        threshold::text,
        destination,
        enabled,
        last_fired_at,
        created_at
    FROM subscriptions
    WHERE enabled
      AND instrument = $1
      AND metric_class = $2
      AND window_key = $3
      AND (last_fired_at IS NULL OR last_fired_at <= $4)
    ORDER BY id;`

	claimSubscriptionSQL = `UPDATE subscriptions
    SET last_fired_at = $2
    WHERE id = $1
      AND enabled
      AND (last_fired_at IS NULL OR last_fired_at <= $3);`

	listEnabledSQL = `SELECT
        id,
        instrument,
        metric_class,
        window_key,
        direction,
        threshold::text,
        destination,
        enabled,
        last_fired_at,
        created_at
    FROM subscriptions
    WHERE enabled
    ORDER BY destination, id;`

	deleteSubscriptionSQL = `DELETE FROM subscriptions WHERE id = $1;`

	insertSubscriptionSQL = `INSERT INTO subscriptions (
        id,
        instrument,
        metric_class,
        window_key,
        direction,
        threshold,
        destination,
        enabled,
        last_fired_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    RETURNING created_at;`

	ensureInstrumentSQL = `INSERT INTO instruments (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING;`

	insertSampleSQL = `INSERT INTO metric_samples (
        instrument,
        metric_class,
        window_key,
        value,
        observed_at,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	latestSampleSQL = `SELECT instrument, metric_class, window_key, value::text, observed_at, source
    FROM metric_samples
    WHERE instrument = $1
      AND metric_class = $2
      AND window_key = $3
    ORDER BY observed_at DESC, id DESC
    LIMIT 1;`

	listSamplesBetweenSQL = `SELECT instrument, metric_class, window_key, value::text, observed_at, source
    FROM metric_samples
    WHERE instrument = $1
      AND metric_class = $2
      AND window_key = $3
      AND observed_at >= $4
      AND observed_at < $5
    ORDER BY observed_at, id;`

	listRecentSamplesSQL = `SELECT instrument, metric_class, window_key, value::text, observed_at, source
    FROM metric_samples
    WHERE instrument = $1
      AND metric_class = $2
      AND window_key = $3
    ORDER BY observed_at DESC, id DESC
    LIMIT $4;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SubscriptionStore is the subset of subscription persistence the engine relies on.
type SubscriptionStore interface {
	// ListTargets returns the distinct instrument/window pairs of enabled subscriptions for class.
	ListTargets(ctx context.Context, class MetricClass) ([]Target, error)
	// ListCandidates returns enabled subscriptions of target that have not fired after notBefore.
	// The result is advisory; ClaimSubscription is authoritative.
	ListCandidates(ctx context.Context, target Target, notBefore time.Time) ([]Subscription, error)
	// ClaimSubscription sets last_fired_at to now iff the subscription is enabled and
	// last fired at or before notBefore. It reports whether this call won the claim.
	ClaimSubscription(ctx context.Context, id string, now, notBefore time.Time) (bool, error)
	ListEnabled(ctx context.Context) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
}

// SampleStore persists the append-only metric history.
type SampleStore interface {
	AppendSample(ctx context.Context, sample MetricSample) error
	// LatestSample returns the newest sample of target, or nil when none exists.
	LatestSample(ctx context.Context, target Target) (*MetricSample, error)
	ListSamplesBetween(ctx context.Context, target Target, from, to time.Time) ([]MetricSample, error)
	ListRecentSamples(ctx context.Context, target Target, limit int) ([]MetricSample, error)
}

// Repository is implemented by every storage backend.
type Repository interface {
	SubscriptionStore
	SampleStore
	Migrate(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL backend.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, unavailable("acquire connection", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, unavailable("try advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListTargets implements SubscriptionStore.
func (s *Store) ListTargets(ctx context.Context, class MetricClass) ([]Target, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listTargetsSQL, string(class))
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
func (s *Store) ListCandidates(ctx context.Context, target Target, notBefore time.Time) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listCandidatesSQL, target.Instrument, string(target.Class), string(target.Window), notBefore.UTC())
	if err != nil {
		return nil, unavailable("list candidates", err)
	}
	return collectSubscriptions(rows)
}

// ClaimSubscription implements SubscriptionStore with a single conditional update.
func (s *Store) ClaimSubscription(ctx context.Context, id string, now, notBefore time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, err := pool.Exec(ctx, claimSubscriptionSQL, id, now.UTC(), notBefore.UTC())
	if err != nil {
		return false, unavailable("claim subscription", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListEnabled implements SubscriptionStore.
func (s *Store) ListEnabled(ctx context.Context) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listEnabledSQL)
	if err != nil {
		return nil, unavailable("list enabled", err)
	}
	return collectSubscriptions(rows)
}

// DeleteSubscription implements SubscriptionStore.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tag, err := pool.Exec(ctx, deleteSubscriptionSQL, id)
	if err != nil {
		return unavailable("delete subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSubscription implements SubscriptionStore. A missing ID is generated.
func (s *Store) InsertSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscription{}, err
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	var lastFired interface{}
	if sub.LastFiredAt != nil {
		lastFired = sub.LastFiredAt.UTC()
	}

	row := pool.QueryRow(ctx, insertSubscriptionSQL,
		sub.ID,
		sub.Instrument,
		string(sub.Class),
		string(sub.Window),
		string(sub.Direction),
		sub.Threshold.String(),
		sub.Destination,
		sub.Enabled,
		lastFired,
	)
	if err := row.Scan(&sub.CreatedAt); err != nil {
		return Subscription{}, unavailable("insert subscription", err)
	}
	return sub, nil
}

// AppendSample records a sample, creating its instrument on first observation.
func (s *Store) AppendSample(ctx context.Context, sample MetricSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ensureInstrumentSQL, sample.Instrument); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertSampleSQL,
			sample.Instrument,
			string(sample.Class),
			string(sample.Window),
			sample.Value.String(),
			sample.ObservedAt.UTC(),
			sample.Source,
		)
		return err
	})
	if err != nil {
		return unavailable("append sample", err)
	}
	return nil
}

// LatestSample implements SampleStore.
func (s *Store) LatestSample(ctx context.Context, target Target) (*MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, latestSampleSQL, target.Instrument, string(target.Class), string(target.Window))
	if err != nil {
		return nil, unavailable("latest sample", err)
	}
	samples, err := collectSamples(rows, 1)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, nil
	}
	return &samples[0], nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, target Target, from, to time.Time) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSamplesBetweenSQL, target.Instrument, string(target.Class), string(target.Window), from.UTC(), to.UTC())
	if err != nil {
		return nil, unavailable("list samples between", err)
	}
	return collectSamples(rows, 0)
}

// ListRecentSamples lists the most recent samples ordered by descending observation time.
func (s *Store) ListRecentSamples(ctx context.Context, target Target, limit int) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listRecentSamplesSQL, target.Instrument, string(target.Class), string(target.Window), limit)
	if err != nil {
		return nil, unavailable("list recent samples", err)
	}
	return collectSamples(rows, limit)
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var (
			sub                               Subscription
			class, window, direction, thrText string
		)
		if err := rows.Scan(
			&sub.ID,
			&sub.Instrument,
			&class,
			&window,
			&direction,
			&thrText,
			&sub.Destination,
			&sub.Enabled,
			&sub.LastFiredAt,
			&sub.CreatedAt,
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
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan subscriptions", err)
	}
	return subs, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]MetricSample, error) {
	defer rows.Close()

	samples := make([]MetricSample, 0, capacity)
	for rows.Next() {
		var (
			sample              MetricSample
			class, window, text string
		)
		if err := rows.Scan(&sample.Instrument, &class, &window, &text, &sample.ObservedAt, &sample.Source); err != nil {
			return nil, unavailable("scan sample", err)
		}
		value, err := decimal.NewFromString(text)
		if err != nil {
			return nil, fmt.Errorf("parse sample value: %w", err)
		}
		sample.Class = MetricClass(class)
		sample.Window = Window(window)
		sample.Value = value
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan samples", err)
	}
	return samples, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
