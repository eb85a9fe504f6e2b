package alerting

import (
	"github.com/shopspring/decimal"

	"token-alerts/internal/storage"
)

// Crossed reports whether moving from previous to current crosses threshold in
// the given direction.
//
// With no previous sample (first observation or lost history) a value that is
// already at or past the threshold fires immediately. With a previous sample a
// real crossing is required: up fires only when previous < threshold <= current,
// down only when previous > threshold >= current. A value resting past the
// threshold does not fire again until it has moved back and crossed anew.
func Crossed(direction storage.Direction, threshold decimal.Decimal, previous *decimal.Decimal, current decimal.Decimal) bool {
	switch direction {
	case storage.DirectionUp:
		if previous == nil {
			return current.GreaterThanOrEqual(threshold)
		}
		return previous.LessThan(threshold) && current.GreaterThanOrEqual(threshold)
	case storage.DirectionDown:
		if previous == nil {
			return current.LessThanOrEqual(threshold)
		}
		return previous.GreaterThan(threshold) && current.LessThanOrEqual(threshold)
	default:
		return false
	}
}
