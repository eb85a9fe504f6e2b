package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"token-alerts/internal/metrics"
	"token-alerts/internal/storage"
)

// ClaimResult is the outcome of a trigger claim.
type ClaimResult int

const (
	ClaimLost ClaimResult = iota
	ClaimWon
)

func (r ClaimResult) String() string {
	if r == ClaimWon {
		return "won"
	}
	return "lost"
}

// Claimer is the store operation backing the committer.
type Claimer interface {
	ClaimSubscription(ctx context.Context, id string, now, notBefore time.Time) (bool, error)
}

// Committer grants the right to fire a subscription through one conditional
// update of lastFiredAt. It is the only writer of that column.
type Committer struct {
	store   Claimer
	policy  CooldownPolicy
	timeout time.Duration
	logger  zerolog.Logger
}

// NewCommitter constructs a committer. A non-positive timeout leaves ctx unbounded.
func NewCommitter(store Claimer, policy CooldownPolicy, timeout time.Duration, logger zerolog.Logger) *Committer {
	return &Committer{
		store:   store,
		policy:  policy,
		timeout: timeout,
		logger:  logger.With().Str("component", "committer").Logger(),
	}
}

// Claim attempts to set lastFiredAt = now on sub. Exactly one of any number of
// concurrent claims on an eligible subscription wins. Store failures are
// returned wrapped in storage.ErrStoreUnavailable.
func (c *Committer) Claim(ctx context.Context, sub storage.Subscription, now time.Time) (ClaimResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	won, err := c.store.ClaimSubscription(ctx, sub.ID, now, c.policy.NotBefore(sub.Class, now))
	if err != nil {
		metrics.ClaimsTotal.WithLabelValues(string(sub.Class), "error").Inc()
		return ClaimLost, err
	}
	if !won {
		metrics.ClaimsTotal.WithLabelValues(string(sub.Class), "lost").Inc()
		c.logger.Debug().Str("subscription", sub.ID).Msg("claim lost")
		return ClaimLost, nil
	}
	metrics.ClaimsTotal.WithLabelValues(string(sub.Class), "won").Inc()
	return ClaimWon, nil
}
