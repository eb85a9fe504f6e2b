package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-alerts/internal/storage"
)

const (
	tickerPath = "/tickers/{id}"
	ohlcvPath  = "/coins/{id}/ohlcv/historical"
	dayLayout  = "2006-01-02"
)

// TickerOptions parameterise the HTTP ticker source.
type TickerOptions struct {
	BaseURL      string
	Quote        string
	Timeout      time.Duration
	UserAgent    string
	MaxStaleness time.Duration
}

// Ticker reads prices and volumes from a coinpaprika-compatible REST API.
type Ticker struct {
	opts   TickerOptions
	logger zerolog.Logger
	client *resty.Client
	now    func() time.Time
}

// NewTicker constructs the HTTP metric source.
func NewTicker(opts TickerOptions, logger zerolog.Logger) *Ticker {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Quote == "" {
		opts.Quote = "USD"
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinpaprika.com/v1"
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "alertd/1.0"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	return &Ticker{
		opts:   opts,
		logger: logger.With().Str("component", "ticker_source").Logger(),
		client: client,
		now:    time.Now,
	}
}

// FetchPrice implements PriceSource.
func (t *Ticker) FetchPrice(ctx context.Context, instrument string) (Quote, error) {
	quote, err := t.fetchTicker(ctx, instrument)
	if err != nil {
		return Quote{}, err
	}
	if !quote.Price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: non-positive price for %s", ErrMetricUnavailable, instrument)
	}
	return Quote{Value: quote.Price, ObservedAt: quote.updatedAt, Source: "ticker"}, nil
}

// FetchVolume implements VolumeSource. 24h volume comes from the ticker; longer
// windows sum the daily OHLCV volumes of the last N complete days.
func (t *Ticker) FetchVolume(ctx context.Context, instrument string, window storage.Window) (Quote, error) {
	switch window {
	case storage.Window24h:
		quote, err := t.fetchTicker(ctx, instrument)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Value: quote.Volume24h, ObservedAt: quote.updatedAt, Source: "ticker"}, nil
	case storage.Window7d, storage.Window30d:
		return t.fetchWindowVolume(ctx, instrument, window)
	default:
		return Quote{}, fmt.Errorf("%w: volume window %q", ErrUnsupported, window)
	}
}

type tickerQuote struct {
	Price     decimal.Decimal `json:"price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	updatedAt time.Time
}

type tickerResponse struct {
	ID          string                 `json:"id"`
	Symbol      string                 `json:"symbol"`
	LastUpdated time.Time              `json:"last_updated"`
	Quotes      map[string]tickerQuote `json:"quotes"`
}

type ohlcvEntry struct {
	TimeOpen  time.Time       `json:"time_open"`
	TimeClose time.Time       `json:"time_close"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

type apiError struct {
	Error string `json:"error"`
}

func (t *Ticker) fetchTicker(ctx context.Context, instrument string) (tickerQuote, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("id", instrument).
		SetQueryParam("quotes", t.opts.Quote).
		Get(tickerPath)
	if err != nil {
		return tickerQuote{}, transient(fmt.Errorf("%w: ticker request: %v", ErrMetricUnavailable, err))
	}
	if resp.IsError() {
		return tickerQuote{}, statusError(resp)
	}

	var payload tickerResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return tickerQuote{}, fmt.Errorf("%w: decode ticker: %v", ErrMetricUnavailable, err)
	}
	quote, ok := payload.Quotes[t.opts.Quote]
	if !ok {
		return tickerQuote{}, fmt.Errorf("%w: quote %s missing for %s", ErrMetricUnavailable, t.opts.Quote, instrument)
	}
	quote.updatedAt = payload.LastUpdated
	if quote.updatedAt.IsZero() {
		quote.updatedAt = t.now().UTC()
	}
	if err := t.checkFresh(instrument, quote.updatedAt); err != nil {
		return tickerQuote{}, err
	}
	return quote, nil
}

func (t *Ticker) fetchWindowVolume(ctx context.Context, instrument string, window storage.Window) (Quote, error) {
	now := t.now().UTC()
	days := int(window.Duration() / (24 * time.Hour))
	start := now.Add(-window.Duration()).Format(dayLayout)

	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("id", instrument).
		SetQueryParams(map[string]string{
			"start": start,
			"quote": strings.ToLower(t.opts.Quote),
			"limit": fmt.Sprint(days + 1),
		}).
		Get(ohlcvPath)
	if err != nil {
		return Quote{}, transient(fmt.Errorf("%w: ohlcv request: %v", ErrMetricUnavailable, err))
	}
	if resp.IsError() {
		return Quote{}, statusError(resp)
	}

	var entries []ohlcvEntry
	if err := json.Unmarshal(resp.Body(), &entries); err != nil {
		return Quote{}, fmt.Errorf("%w: decode ohlcv: %v", ErrMetricUnavailable, err)
	}

	complete := make([]ohlcvEntry, 0, len(entries))
	for _, e := range entries {
		if !e.TimeClose.After(now) {
			complete = append(complete, e)
		}
	}
	if len(complete) < days {
		return Quote{}, fmt.Errorf("%w: %d of %d daily candles for %s", ErrMetricUnavailable, len(complete), days, instrument)
	}

	complete = complete[len(complete)-days:]
	total := decimal.Zero
	for _, e := range complete {
		total = total.Add(e.Volume)
	}
	// the newest complete daily candle may legitimately be up to a day old
	lastClose := complete[len(complete)-1].TimeClose
	if err := t.checkFresh(instrument, lastClose.Add(24*time.Hour)); err != nil {
		return Quote{}, err
	}
	return Quote{Value: total, ObservedAt: now, Source: "ticker_ohlcv"}, nil
}

func (t *Ticker) checkFresh(instrument string, updated time.Time) error {
	if t.opts.MaxStaleness <= 0 {
		return nil
	}
	if age := t.now().Sub(updated); age > t.opts.MaxStaleness {
		t.logger.Debug().Str("instrument", instrument).Dur("age", age).Msg("discarding stale quote")
		return fmt.Errorf("%w: %s updated %s ago", ErrStale, instrument, age.Truncate(time.Second))
	}
	return nil
}

func statusError(resp *resty.Response) error {
	status := resp.StatusCode()
	msg := strings.TrimSpace(string(resp.Body()))
	var body apiError
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	err := fmt.Errorf("%w: ticker api error (%d): %s", ErrMetricUnavailable, status, msg)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return transient(err)
	}
	return err
}

var _ MetricSource = (*Ticker)(nil)
