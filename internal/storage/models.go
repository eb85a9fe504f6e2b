package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MetricClass identifies which metric a subscription tracks.
type MetricClass string

const (
	ClassPrice  MetricClass = "price"
	ClassVolume MetricClass = "volume"
)

// Classes lists every supported metric class in evaluation order.
var Classes = []MetricClass{ClassPrice, ClassVolume}

// ParseMetricClass validates a textual metric class.
func ParseMetricClass(v string) (MetricClass, error) {
	switch MetricClass(v) {
	case ClassPrice, ClassVolume:
		return MetricClass(v), nil
	default:
		return "", fmt.Errorf("unknown metric class %q", v)
	}
}

// Window is the aggregation window of a volume metric. Price samples carry WindowNone.
type Window string

const (
	WindowNone Window = ""
	Window24h  Window = "24h"
	Window7d   Window = "7d"
	Window30d  Window = "30d"
)

// Duration reports the wall-clock span covered by the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	case Window30d:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseWindow validates a textual volume window. The empty string maps to WindowNone.
func ParseWindow(v string) (Window, error) {
	switch Window(v) {
	case WindowNone, Window24h, Window7d, Window30d:
		return Window(v), nil
	default:
		return "", fmt.Errorf("unknown window %q", v)
	}
}

// Direction is the side of the threshold a subscription watches for.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// MetricSample is one append-only observation of a metric.
type MetricSample struct {
	Instrument string
	Class      MetricClass
	Window     Window
	Value      decimal.Decimal
	ObservedAt time.Time
	Source     string
}

// Subscription is a user request to be notified when a metric crosses a threshold.
type Subscription struct {
	ID          string
	Instrument  string
	Class       MetricClass
	Window      Window
	Direction   Direction
	Threshold   decimal.Decimal
	Destination string
	Enabled     bool
	LastFiredAt *time.Time
	CreatedAt   time.Time
}

// Target is one (instrument, class, window) combination that has at least one
// enabled subscription and therefore needs a sample each cycle.
type Target struct {
	Instrument string
	Class      MetricClass
	Window     Window
}

func (t Target) String() string {
	if t.Window == WindowNone {
		return fmt.Sprintf("%s/%s", t.Instrument, t.Class)
	}
	return fmt.Sprintf("%s/%s/%s", t.Instrument, t.Class, t.Window)
}
