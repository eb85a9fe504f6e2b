package alerting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-alerts/internal/storage"
)

func TestCooldownEligible(t *testing.T) {
	policy := NewCooldownPolicy(60*time.Second, 24*time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fired := now.Add(-60 * time.Second)

	never := storage.Subscription{Class: storage.ClassPrice, Enabled: true}
	assert.True(t, policy.Eligible(never, now), "never fired is eligible")

	atBoundary := storage.Subscription{Class: storage.ClassPrice, Enabled: true, LastFiredAt: &fired}
	assert.True(t, policy.Eligible(atBoundary, now), "exactly one cooldown later is eligible")

	justBefore := now.Add(-59 * time.Second)
	inCooldown := storage.Subscription{Class: storage.ClassPrice, Enabled: true, LastFiredAt: &justBefore}
	assert.False(t, policy.Eligible(inCooldown, now))

	disabled := storage.Subscription{Class: storage.ClassPrice, Enabled: false}
	assert.False(t, policy.Eligible(disabled, now), "disabled is never eligible")
}

func TestCooldownIsPerClass(t *testing.T) {
	policy := NewCooldownPolicy(60*time.Second, 24*time.Hour)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	fired := now.Add(-2 * time.Hour)

	price := storage.Subscription{Instrument: "btc-bitcoin", Class: storage.ClassPrice, Enabled: true, LastFiredAt: &fired}
	volume := storage.Subscription{Instrument: "btc-bitcoin", Class: storage.ClassVolume, Window: storage.Window24h, Enabled: true, LastFiredAt: &fired}

	assert.True(t, policy.Eligible(price, now))
	assert.False(t, policy.Eligible(volume, now))

	assert.Equal(t, now.Add(-time.Minute), policy.NotBefore(storage.ClassPrice, now))
	assert.Equal(t, now.Add(-24*time.Hour), policy.NotBefore(storage.ClassVolume, now))
}

func TestCooldownValidate(t *testing.T) {
	require.NoError(t, NewCooldownPolicy(time.Minute, time.Hour).Validate())
	require.Error(t, NewCooldownPolicy(0, time.Hour).Validate())
	require.Error(t, CooldownPolicy{storage.ClassPrice: time.Minute}.Validate())
}
