package alerting

import (
	"fmt"
	"time"

	"token-alerts/internal/storage"
)

// CooldownPolicy holds the minimum interval between two fires of one
// subscription, per metric class.
type CooldownPolicy map[storage.MetricClass]time.Duration

// NewCooldownPolicy builds a policy from the configured durations.
func NewCooldownPolicy(price, volume time.Duration) CooldownPolicy {
	return CooldownPolicy{
		storage.ClassPrice:  price,
		storage.ClassVolume: volume,
	}
}

// Validate requires a positive cooldown for every metric class.
func (p CooldownPolicy) Validate() error {
	for _, class := range storage.Classes {
		if d, ok := p[class]; !ok || d <= 0 {
			return fmt.Errorf("cooldown for %s must be positive", class)
		}
	}
	return nil
}

// For returns the cooldown of class.
func (p CooldownPolicy) For(class storage.MetricClass) time.Duration {
	return p[class]
}

// Eligible reports whether sub may fire at now.
func (p CooldownPolicy) Eligible(sub storage.Subscription, now time.Time) bool {
	if !sub.Enabled {
		return false
	}
	if sub.LastFiredAt == nil {
		return true
	}
	return now.Sub(*sub.LastFiredAt) >= p.For(sub.Class)
}

// NotBefore is the latest lastFiredAt that still leaves a subscription of
// class eligible at now.
func (p CooldownPolicy) NotBefore(class storage.MetricClass, now time.Time) time.Time {
	return now.Add(-p.For(class))
}
