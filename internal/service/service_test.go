package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alerts/internal/alerting"
	"token-alerts/internal/fetcher"
	"token-alerts/internal/metrics"
	"token-alerts/internal/retry"
	"token-alerts/internal/storage"
)

type fakeSource struct {
	mu     sync.Mutex
	values map[string]decimal.Decimal
	errs   map[string]error
	calls  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeSource) set(key string, v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = decimal.RequireFromString(v)
}

func (f *fakeSource) get(key string) (fetcher.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if err, ok := f.errs[key]; ok {
		return fetcher.Quote{}, err
	}
	v, ok := f.values[key]
	if !ok {
		return fetcher.Quote{}, fetcher.ErrMetricUnavailable
	}
	return fetcher.Quote{Value: v, Source: "fake"}, nil
}

func (f *fakeSource) FetchPrice(_ context.Context, instrument string) (fetcher.Quote, error) {
	return f.get(instrument)
}

func (f *fakeSource) FetchVolume(_ context.Context, instrument string, window storage.Window) (fetcher.Quote, error) {
	return f.get(instrument + "/" + string(window))
}

type jobRecorder struct {
	mu   sync.Mutex
	jobs []alerting.Job
}

func (r *jobRecorder) Enqueue(job alerting.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return true
}

func (r *jobRecorder) list() []alerting.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Job(nil), r.jobs...)
}

type countingClaimer struct {
	inner alerting.Claimer
	calls atomic.Int32
}

func (c *countingClaimer) ClaimSubscription(ctx context.Context, id string, now, notBefore time.Time) (bool, error) {
	c.calls.Add(1)
	return c.inner.ClaimSubscription(ctx, id, now, notBefore)
}

type fixture struct {
	store   *storage.SQLiteStore
	source  *fakeSource
	jobs    *jobRecorder
	claims  *countingClaimer
	service *Service
	clock   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &fixture{
		store:  store,
		source: newFakeSource(),
		jobs:   &jobRecorder{},
		claims: &countingClaimer{inner: store},
		clock:  time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	policy := alerting.NewCooldownPolicy(60*time.Second, 24*time.Hour)
	f.service = New(Dependencies{
		Store:      store,
		Source:     f.source,
		Policy:     policy,
		Committer:  alerting.NewCommitter(f.claims, policy, time.Second, zerolog.Nop()),
		Dispatcher: f.jobs,
	}, Options{
		Concurrency:  4,
		FetchTimeout: time.Second,
		StoreTimeout: time.Second,
		FetchRetry:   retry.NewPolicy(time.Millisecond),
	}, zerolog.Nop())
	f.service.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) subscribe(t *testing.T, sub storage.Subscription) storage.Subscription {
	t.Helper()
	if sub.Destination == "" {
		sub.Destination = "telegram:42"
	}
	sub.Enabled = true
	created, err := f.store.InsertSubscription(context.Background(), sub)
	require.NoError(t, err)
	return created
}

func (f *fixture) cycle(t *testing.T, class storage.MetricClass) CycleReport {
	t.Helper()
	report, err := f.service.RunCycle(context.Background(), class)
	require.NoError(t, err)
	return report
}

func downAlert(instrument, threshold string) storage.Subscription {
	return storage.Subscription{
		Instrument: instrument,
		Class:      storage.ClassPrice,
		Direction:  storage.DirectionDown,
		Threshold:  decimal.RequireFromString(threshold),
	}
}

func TestFourCycleScenario(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, downAlert("x-token", "100"))

	// cycle 1: cold start above threshold
	f.source.set("x-token", "120")
	r := f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 0, r.Fired)
	assert.EqualValues(t, 0, f.claims.calls.Load())

	// cycle 2: genuine crossing
	f.clock = f.clock.Add(30 * time.Second)
	fireTime := f.clock
	f.source.set("x-token", "95")
	r = f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 1, r.Fired)
	require.Len(t, f.jobs.list(), 1)
	job := f.jobs.list()[0]
	assert.Equal(t, sub.ID, job.SubscriptionID)
	assert.Equal(t, "telegram:42", job.Destination)

	subs, err := f.store.ListEnabled(context.Background())
	require.NoError(t, err)
	require.NotNil(t, subs[0].LastFiredAt)
	assert.True(t, subs[0].LastFiredAt.Equal(fireTime))

	// cycle 3: 30s later, inside the cooldown, no claim attempted
	f.clock = f.clock.Add(30 * time.Second)
	f.source.set("x-token", "90")
	r = f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 0, r.Fired)
	assert.EqualValues(t, 1, f.claims.calls.Load())

	// cycle 4: 90s later, eligible again but resting below threshold
	f.clock = f.clock.Add(90 * time.Second)
	f.source.set("x-token", "85")
	r = f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 0, r.Fired)
	assert.EqualValues(t, 1, f.claims.calls.Load())
	assert.Len(t, f.jobs.list(), 1)

	samples, err := f.store.ListRecentSamples(context.Background(), storage.Target{Instrument: "x-token", Class: storage.ClassPrice}, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 4, "every cycle appends one sample")
}

func TestRearmAfterFreshCrossing(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, storage.Subscription{
		Instrument: "eth-ethereum",
		Class:      storage.ClassPrice,
		Direction:  storage.DirectionUp,
		Threshold:  decimal.NewFromInt(155),
	})

	for _, v := range []string{"150", "160", "150", "160"} {
		f.source.set("eth-ethereum", v)
		f.cycle(t, storage.ClassPrice)
		f.clock = f.clock.Add(2 * time.Minute)
	}
	assert.Len(t, f.jobs.list(), 2)
}

func TestFetchFailureIsContainedToInstrument(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, downAlert("bad-token", "100"))
	f.subscribe(t, downAlert("good-token", "100"))

	f.source.errs["bad-token"] = fmt.Errorf("%w: upstream 500", fetcher.ErrMetricUnavailable)
	f.source.set("good-token", "50")

	r := f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 2, r.Targets)
	assert.Equal(t, 1, r.Unavailable)
	assert.Equal(t, 1, r.Fetched)
	assert.Equal(t, 1, r.Fired, "cold start below threshold fires for the healthy instrument")
	assert.Equal(t, 1, f.source.calls["bad-token"], "permanent errors are not retried")
}

func TestDisabledSubscriptionNeverFires(t *testing.T) {
	f := newFixture(t)
	sub := downAlert("x-token", "100")
	sub.Destination = "telegram:1"
	_, err := f.store.InsertSubscription(context.Background(), sub)
	require.NoError(t, err)

	f.source.set("x-token", "10")
	r := f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 0, r.Targets)
	assert.Empty(t, f.jobs.list())
	assert.EqualValues(t, 0, f.claims.calls.Load())
}

func TestPriceAndVolumeCooldownsAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, storage.Subscription{
		Instrument: "btc-bitcoin",
		Class:      storage.ClassPrice,
		Direction:  storage.DirectionUp,
		Threshold:  decimal.NewFromInt(100),
	})
	f.subscribe(t, storage.Subscription{
		Instrument: "btc-bitcoin",
		Class:      storage.ClassVolume,
		Window:     storage.Window24h,
		Direction:  storage.DirectionUp,
		Threshold:  decimal.NewFromInt(1000),
	})

	f.source.set("btc-bitcoin", "150")
	f.source.set("btc-bitcoin/24h", "5000")
	assert.Equal(t, 1, f.cycle(t, storage.ClassPrice).Fired)
	assert.Equal(t, 1, f.cycle(t, storage.ClassVolume).Fired)

	// two hours later: price is out of cooldown, volume is not
	f.clock = f.clock.Add(2 * time.Hour)
	f.source.set("btc-bitcoin", "90")
	f.source.set("btc-bitcoin/24h", "500")
	f.cycle(t, storage.ClassPrice)
	f.cycle(t, storage.ClassVolume)

	f.clock = f.clock.Add(time.Minute)
	f.source.set("btc-bitcoin", "150")
	f.source.set("btc-bitcoin/24h", "5000")
	assert.Equal(t, 1, f.cycle(t, storage.ClassPrice).Fired)
	assert.Equal(t, 0, f.cycle(t, storage.ClassVolume).Fired)
}

func TestConcurrentCyclesFireOnce(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, downAlert("x-token", "100"))
	require.NoError(t, f.store.AppendSample(context.Background(), storage.MetricSample{
		Instrument: "x-token",
		Class:      storage.ClassPrice,
		Value:      decimal.NewFromInt(120),
		ObservedAt: f.clock.Add(-time.Minute),
		Source:     "seed",
	}))
	f.source.set("x-token", "95")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.service.RunCycle(context.Background(), storage.ClassPrice)
		}()
	}
	wg.Wait()
	assert.Len(t, f.jobs.list(), 1)
}

type brokenStore struct{ Store }

func (brokenStore) ListTargets(context.Context, storage.MetricClass) ([]storage.Target, error) {
	return nil, fmt.Errorf("list targets: %w: connection refused", storage.ErrStoreUnavailable)
}

func TestListTargetsFailureAbortsCycle(t *testing.T) {
	s := New(Dependencies{Store: brokenStore{}, Source: newFakeSource()}, Options{}, zerolog.Nop())
	_, err := s.RunCycle(context.Background(), storage.ClassPrice)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
}

func TestGroupByInstrumentKeepsOrder(t *testing.T) {
	groups := groupByInstrument([]storage.Target{
		{Instrument: "a", Window: storage.Window24h},
		{Instrument: "b", Window: storage.Window24h},
		{Instrument: "a", Window: storage.Window7d},
	})
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, storage.Window7d, groups[0][1].Window)
}

// failingStore breaks one store call for a single instrument.
type failingStore struct {
	Store
	instrument string
	call       string
}

func (s failingStore) fail(target storage.Target, call string) error {
	if target.Instrument == s.instrument && s.call == call {
		return fmt.Errorf("%s: %w: disk I/O error", call, storage.ErrStoreUnavailable)
	}
	return nil
}

func (s failingStore) LatestSample(ctx context.Context, target storage.Target) (*storage.MetricSample, error) {
	if err := s.fail(target, "latest"); err != nil {
		return nil, err
	}
	return s.Store.LatestSample(ctx, target)
}

func (s failingStore) AppendSample(ctx context.Context, sample storage.MetricSample) error {
	if err := s.fail(storage.Target{Instrument: sample.Instrument}, "append"); err != nil {
		return err
	}
	return s.Store.AppendSample(ctx, sample)
}

func (s failingStore) ListCandidates(ctx context.Context, target storage.Target, notBefore time.Time) ([]storage.Subscription, error) {
	if err := s.fail(target, "candidates"); err != nil {
		return nil, err
	}
	return s.Store.ListCandidates(ctx, target, notBefore)
}

func (f *fixture) rebuild(store Store, source fetcher.MetricSource, fetchTimeout time.Duration) {
	policy := alerting.NewCooldownPolicy(60*time.Second, 24*time.Hour)
	f.service = New(Dependencies{
		Store:      store,
		Source:     source,
		Policy:     policy,
		Committer:  alerting.NewCommitter(f.claims, policy, time.Second, zerolog.Nop()),
		Dispatcher: f.jobs,
	}, Options{
		Concurrency:  4,
		FetchTimeout: fetchTimeout,
		StoreTimeout: time.Second,
		FetchRetry:   retry.NewPolicy(time.Millisecond),
	}, zerolog.Nop())
	f.service.now = func() time.Time { return f.clock }
}

func TestStoreFailureIsContainedToTarget(t *testing.T) {
	for _, call := range []string{"latest", "append", "candidates"} {
		t.Run(call, func(t *testing.T) {
			f := newFixture(t)
			f.subscribe(t, downAlert("bad-token", "100"))
			good := f.subscribe(t, downAlert("good-token", "100"))
			f.source.set("bad-token", "50")
			f.source.set("good-token", "50")
			f.rebuild(failingStore{Store: f.store, instrument: "bad-token", call: call}, f.source, time.Second)

			r := f.cycle(t, storage.ClassPrice)
			assert.Equal(t, 2, r.Fetched)
			assert.Equal(t, 1, r.Failed)
			assert.Equal(t, 1, r.Fired)
			jobs := f.jobs.list()
			require.Len(t, jobs, 1)
			assert.Equal(t, good.ID, jobs[0].SubscriptionID)
		})
	}
}

// hangingSource blocks until the fetch context ends for one instrument.
type hangingSource struct {
	*fakeSource
	instrument string
}

func (h hangingSource) FetchPrice(ctx context.Context, instrument string) (fetcher.Quote, error) {
	if instrument == h.instrument {
		<-ctx.Done()
		return fetcher.Quote{}, ctx.Err()
	}
	return h.fakeSource.FetchPrice(ctx, instrument)
}

func TestHungSourceIsBoundedByFetchTimeout(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, downAlert("stuck-token", "100"))
	f.subscribe(t, downAlert("good-token", "100"))
	f.source.set("good-token", "50")
	f.rebuild(f.store, hangingSource{fakeSource: f.source, instrument: "stuck-token"}, 50*time.Millisecond)

	start := time.Now()
	r := f.cycle(t, storage.ClassPrice)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, r.Unavailable)
	assert.Equal(t, 1, r.Fired)

	samples, err := f.store.ListRecentSamples(context.Background(), storage.Target{Instrument: "stuck-token", Class: storage.ClassPrice}, 1)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestDryRunHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, downAlert("x-token", "100"))
	f.source.set("x-token", "50")

	policy := alerting.NewCooldownPolicy(60*time.Second, 24*time.Hour)
	f.service = New(Dependencies{Store: f.store, Source: f.source, Policy: policy}, Options{
		Concurrency:  1,
		FetchTimeout: time.Second,
		StoreTimeout: time.Second,
		DryRun:       true,
	}, zerolog.Nop())
	f.service.now = func() time.Time { return f.clock }

	r := f.cycle(t, storage.ClassPrice)
	assert.True(t, r.DryRun)
	assert.Equal(t, 1, r.WouldFire)
	assert.Zero(t, r.Fired)

	subs, err := f.store.ListEnabled(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].LastFiredAt, "dry run must not claim")

	samples, err := f.store.ListRecentSamples(context.Background(), storage.Target{Instrument: "x-token", Class: storage.ClassPrice}, 1)
	require.NoError(t, err)
	assert.Empty(t, samples, "dry run must not consume the crossing edge")

	// the real cycle afterwards still sees the cold-start crossing
	f.rebuild(f.store, f.source, time.Second)
	assert.Equal(t, 1, f.cycle(t, storage.ClassPrice).Fired)
}

func TestFireWithoutDispatcherIsStillClaimed(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, downAlert("x-token", "100"))
	f.source.set("x-token", "50")

	policy := alerting.NewCooldownPolicy(60*time.Second, 24*time.Hour)
	f.service = New(Dependencies{
		Store:     f.store,
		Source:    f.source,
		Policy:    policy,
		Committer: alerting.NewCommitter(f.claims, policy, time.Second, zerolog.Nop()),
	}, Options{Concurrency: 1, FetchTimeout: time.Second, StoreTimeout: time.Second}, zerolog.Nop())
	f.service.now = func() time.Time { return f.clock }

	dropped := metrics.NotificationsTotal.WithLabelValues("dropped")
	before := testutil.ToFloat64(dropped)

	r := f.cycle(t, storage.ClassPrice)
	assert.Equal(t, 1, r.Fired)
	assert.Empty(t, f.jobs.list())
	assert.Equal(t, before+1, testutil.ToFloat64(dropped), "undelivered fire is counted")
}
