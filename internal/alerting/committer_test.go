package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alerts/internal/storage"
)

// memClaimer mimics the conditional update of the real stores.
type memClaimer struct {
	mu    sync.Mutex
	subs  map[string]*storage.Subscription
	err   error
	calls int
}

func (m *memClaimer) ClaimSubscription(_ context.Context, id string, now, notBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	sub, ok := m.subs[id]
	if !ok || !sub.Enabled {
		return false, nil
	}
	if sub.LastFiredAt != nil && sub.LastFiredAt.After(notBefore) {
		return false, nil
	}
	fired := now
	sub.LastFiredAt = &fired
	return true, nil
}

func newMemClaimer(subs ...storage.Subscription) *memClaimer {
	m := &memClaimer{subs: make(map[string]*storage.Subscription)}
	for i := range subs {
		sub := subs[i]
		m.subs[sub.ID] = &sub
	}
	return m
}

func TestCommitterClaim(t *testing.T) {
	sub := storage.Subscription{ID: "s1", Class: storage.ClassPrice, Enabled: true}
	store := newMemClaimer(sub)
	c := NewCommitter(store, NewCooldownPolicy(time.Minute, 24*time.Hour), time.Second, zerolog.Nop())
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	res, err := c.Claim(context.Background(), sub, t0)
	require.NoError(t, err)
	assert.Equal(t, ClaimWon, res)

	res, err = c.Claim(context.Background(), sub, t0.Add(time.Minute-time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ClaimLost, res)

	res, err = c.Claim(context.Background(), sub, t0.Add(time.Minute+time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ClaimWon, res)
}

func TestCommitterConcurrentClaimsSingleWinner(t *testing.T) {
	sub := storage.Subscription{ID: "s1", Class: storage.ClassPrice, Enabled: true}
	store := newMemClaimer(sub)
	c := NewCommitter(store, NewCooldownPolicy(time.Minute, 24*time.Hour), 0, zerolog.Nop())
	now := time.Now()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Claim(context.Background(), sub, now)
			if err == nil && res == ClaimWon {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCommitterDisabledLoses(t *testing.T) {
	sub := storage.Subscription{ID: "s1", Class: storage.ClassVolume, Enabled: false}
	c := NewCommitter(newMemClaimer(sub), NewCooldownPolicy(time.Minute, time.Hour), 0, zerolog.Nop())
	res, err := c.Claim(context.Background(), sub, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ClaimLost, res)
}

func TestCommitterStoreError(t *testing.T) {
	store := newMemClaimer()
	store.err = errors.Join(storage.ErrStoreUnavailable, errors.New("conn refused"))
	c := NewCommitter(store, NewCooldownPolicy(time.Minute, time.Hour), 0, zerolog.Nop())

	res, err := c.Claim(context.Background(), storage.Subscription{ID: "x", Class: storage.ClassPrice}, time.Now())
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, ClaimLost, res)
}
