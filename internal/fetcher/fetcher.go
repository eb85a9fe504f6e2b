package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"token-alerts/internal/storage"
)

var (
	// ErrMetricUnavailable marks any failure to produce a value this cycle.
	ErrMetricUnavailable = errors.New("metric unavailable")
	// ErrStale is returned when the upstream value is older than the allowed staleness.
	ErrStale = fmt.Errorf("%w: stale data", ErrMetricUnavailable)
	// ErrUnsupported is returned by sources that do not provide the requested metric.
	ErrUnsupported = fmt.Errorf("%w: unsupported metric", ErrMetricUnavailable)
)

// Quote is one observed metric value.
type Quote struct {
	Value      decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// PriceSource retrieves the current price of an instrument.
type PriceSource interface {
	FetchPrice(ctx context.Context, instrument string) (Quote, error)
}

// VolumeSource retrieves the traded volume of an instrument over a window.
type VolumeSource interface {
	FetchVolume(ctx context.Context, instrument string, window storage.Window) (Quote, error)
}

// MetricSource supplies both metric classes.
type MetricSource interface {
	PriceSource
	VolumeSource
}

// Fetch dispatches to the method matching target's class.
func Fetch(ctx context.Context, src MetricSource, target storage.Target) (Quote, error) {
	switch target.Class {
	case storage.ClassPrice:
		return src.FetchPrice(ctx, target.Instrument)
	case storage.ClassVolume:
		return src.FetchVolume(ctx, target.Instrument, target.Window)
	default:
		return Quote{}, fmt.Errorf("%w: unknown class %q", ErrUnsupported, target.Class)
	}
}

// Composite routes price and volume requests to separate sources.
type Composite struct {
	Price  PriceSource
	Volume VolumeSource
}

// FetchPrice implements PriceSource.
func (c Composite) FetchPrice(ctx context.Context, instrument string) (Quote, error) {
	if c.Price == nil {
		return Quote{}, ErrUnsupported
	}
	return c.Price.FetchPrice(ctx, instrument)
}

// FetchVolume implements VolumeSource.
func (c Composite) FetchVolume(ctx context.Context, instrument string, window storage.Window) (Quote, error) {
	if c.Volume == nil {
		return Quote{}, ErrUnsupported
	}
	return c.Volume.FetchVolume(ctx, instrument, window)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func transient(err error) error {
	return &transientError{err: err}
}

// IsRetryable reports whether err is worth retrying within the same cycle.
func IsRetryable(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

var _ MetricSource = Composite{}
