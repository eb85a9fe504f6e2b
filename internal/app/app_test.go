package app

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alerts/internal/alerting"
	"token-alerts/internal/config"
	"token-alerts/internal/storage"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver:      config.DriverSQLite,
			DSN:         filepath.Join(t.TempDir(), "alerts.db"),
			AutoMigrate: true,
		},
		Scheduler: config.SchedulerConfig{PriceInterval: time.Minute, VolumeInterval: time.Hour},
		Engine:    config.EngineConfig{StoreTimeout: time.Second},
		Cleanup:   config.CleanupConfig{Concurrency: 2, ProbeTimeout: time.Second},
		Export:    config.ExportConfig{MaxDataPoints: 1000},
	}
	return NewApp(cfg, zerolog.Nop())
}

func sampleSeries(n int, start time.Time) []storage.MetricSample {
	out := make([]storage.MetricSample, n)
	for i := range out {
		out[i] = storage.MetricSample{
			Instrument: "btc-bitcoin",
			Class:      storage.ClassPrice,
			Value:      decimal.NewFromInt(int64(100 + i)),
			ObservedAt: start.Add(time.Duration(i) * time.Minute),
			Source:     "ticker",
		}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	samples := sampleSeries(10, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	got := downsample(samples, 4)
	require.Len(t, got, 4)
	assert.Equal(t, samples[0].ObservedAt, got[0].ObservedAt)
	assert.Equal(t, samples[9].ObservedAt, got[3].ObservedAt)

	assert.Len(t, downsample(samples, 20), 10)
	assert.Equal(t, samples[9:], downsample(samples, 1))
}

func TestExportWritesCSV(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store, err := a.openStore(ctx)
	require.NoError(t, err)
	for _, s := range sampleSeries(5, start) {
		require.NoError(t, store.AppendSample(ctx, s))
	}
	_, err = store.InsertSubscription(ctx, storage.Subscription{
		Instrument:  "btc-bitcoin",
		Class:       storage.ClassPrice,
		Direction:   storage.DirectionUp,
		Threshold:   decimal.NewFromInt(102),
		Destination: "telegram:42",
		Enabled:     true,
	})
	require.NoError(t, err)
	store.Close()

	out := filepath.Join(t.TempDir(), "nested", "btc.csv")
	from := start
	to := start.Add(time.Hour)
	err = a.Export(ctx, ExportOptions{
		Instrument: "btc-bitcoin",
		Class:      storage.ClassPrice,
		From:       &from,
		To:         &to,
		CSVPath:    out,
	})
	require.NoError(t, err)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, "observed_at", records[0][0])
	assert.Equal(t, "100", records[1][4])
	assert.Empty(t, records[1][5])
	assert.Equal(t, "1", records[2][5])
	assert.Equal(t, "up 102", records[3][7])
	assert.Empty(t, records[4][7])
	assert.Equal(t, "104", records[5][4])
}

func TestAnnotateSamplesIgnoresOtherTargets(t *testing.T) {
	samples := sampleSeries(3, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	target := storage.Target{Instrument: "btc-bitcoin", Class: storage.ClassPrice}
	subs := subscriptionsFor(target, []storage.Subscription{
		{Instrument: "btc-bitcoin", Class: storage.ClassPrice, Direction: storage.DirectionUp, Threshold: decimal.NewFromInt(101)},
		{Instrument: "btc-bitcoin", Class: storage.ClassVolume, Window: storage.Window24h, Direction: storage.DirectionUp, Threshold: decimal.NewFromInt(101)},
		{Instrument: "eth-ethereum", Class: storage.ClassPrice, Direction: storage.DirectionUp, Threshold: decimal.NewFromInt(101)},
	})
	require.Len(t, subs, 1)

	rows := annotateSamples(samples, subs)
	require.Len(t, rows, 3)
	assert.Nil(t, rows[0].Change)
	assert.Equal(t, []string{"up 101"}, rows[1].Crossed)
	assert.Empty(t, rows[2].Crossed)
	assert.Len(t, crossings(rows), 1)
}

func TestExportRequiresOutput(t *testing.T) {
	a := newTestApp(t)
	err := a.Export(context.Background(), ExportOptions{Instrument: "btc-bitcoin", Class: storage.ClassPrice})
	assert.Error(t, err)
}

type goneProber struct{}

func (goneProber) Probe(context.Context, string) error { return alerting.ErrDestinationGone }

func TestDryRunSweepDeletesNothing(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	store, err := a.openStore(ctx)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.InsertSubscription(ctx, storage.Subscription{
		Instrument:  "btc-bitcoin",
		Class:       storage.ClassPrice,
		Direction:   storage.DirectionUp,
		Threshold:   decimal.NewFromInt(1),
		Destination: "telegram:42",
		Enabled:     true,
	})
	require.NoError(t, err)

	sweeper := a.newSweeper(dryRunStore{SweepStore: store, logger: a.Logger}, goneProber{})
	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gone)

	subs, err := store.ListEnabled(ctx)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}
