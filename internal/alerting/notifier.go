package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"token-alerts/internal/storage"
)

var (
	// ErrDestinationGone means the destination no longer exists or refuses us
	// permanently. It is never retried.
	ErrDestinationGone = errors.New("destination gone")
	// ErrDeliveryFailed wraps a transient delivery failure.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrUnknownChannel is returned for a destination whose scheme has no notifier.
	ErrUnknownChannel = errors.New("unknown notification channel")
)

// Notifier delivers one text message to a destination.
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Prober checks whether a destination still resolves without sending anything.
type Prober interface {
	Probe(ctx context.Context, destination string) error
}

// Channel is a notifier that can also probe its destinations.
type Channel interface {
	Notifier
	Prober
}

// Alert is the context of one won claim.
type Alert struct {
	SubscriptionID string
	Instrument     string
	Class          storage.MetricClass
	Window         storage.Window
	Direction      storage.Direction
	Threshold      decimal.Decimal
	Previous       *decimal.Decimal
	Current        decimal.Decimal
	Source         string
	FiredAt        time.Time
}

// NewAlert builds the alert for sub firing on sample.
func NewAlert(sub storage.Subscription, previous *decimal.Decimal, sample storage.MetricSample, firedAt time.Time) Alert {
	return Alert{
		SubscriptionID: sub.ID,
		Instrument:     sub.Instrument,
		Class:          sub.Class,
		Window:         sub.Window,
		Direction:      sub.Direction,
		Threshold:      sub.Threshold,
		Previous:       previous,
		Current:        sample.Value,
		Source:         sample.Source,
		FiredAt:        firedAt,
	}
}

// FiredEvent is the record published to the event stream for every won claim.
type FiredEvent struct {
	EventID        string    `json:"event_id"`
	SubscriptionID string    `json:"subscription_id"`
	Instrument     string    `json:"instrument"`
	Class          string    `json:"metric_class"`
	Window         string    `json:"window,omitempty"`
	Direction      string    `json:"direction"`
	Threshold      string    `json:"threshold"`
	Previous       *string   `json:"previous,omitempty"`
	Current        string    `json:"current"`
	Source         string    `json:"source,omitempty"`
	FiredAt        time.Time `json:"fired_at"`
}

// Event converts the alert into its stream record.
func (a Alert) Event() FiredEvent {
	ev := FiredEvent{
		EventID:        uuid.NewString(),
		SubscriptionID: a.SubscriptionID,
		Instrument:     a.Instrument,
		Class:          string(a.Class),
		Window:         string(a.Window),
		Direction:      string(a.Direction),
		Threshold:      a.Threshold.String(),
		Current:        a.Current.String(),
		Source:         a.Source,
		FiredAt:        a.FiredAt.UTC(),
	}
	if a.Previous != nil {
		prev := a.Previous.String()
		ev.Previous = &prev
	}
	return ev
}

// RenderMessage formats the text sent to the subscriber.
func RenderMessage(a Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s %s alert]\n", strings.ToUpper(a.Instrument), a.Class))
	metric := string(a.Class)
	if a.Window != storage.WindowNone {
		metric = fmt.Sprintf("%s %s", a.Window, a.Class)
	}
	verb := "rose above"
	if a.Direction == storage.DirectionDown {
		verb = "fell below"
	}
	builder.WriteString(fmt.Sprintf("%s %s %s\n", capitalize(metric), verb, a.Threshold.String()))
	builder.WriteString(fmt.Sprintf("Current: %s\n", formatValue(a.Current)))
	if a.Previous != nil {
		builder.WriteString(fmt.Sprintf("Previous: %s\n", formatValue(*a.Previous)))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC", a.FiredAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

func formatValue(v decimal.Decimal) string {
	if v.Abs().GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return v.StringFixed(2)
	}
	return v.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Router dispatches "scheme:target" destinations to the channel registered for
// the scheme. A destination without a known scheme goes to the default channel.
type Router struct {
	channels map[string]Channel
	fallback string
}

// NewRouter constructs a router whose bare destinations use defaultScheme.
func NewRouter(defaultScheme string) *Router {
	return &Router{channels: make(map[string]Channel), fallback: defaultScheme}
}

// Register adds ch under scheme.
func (r *Router) Register(scheme string, ch Channel) {
	r.channels[strings.ToLower(scheme)] = ch
}

// Schemes lists the registered channel names.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	return out
}

// Send implements Notifier.
func (r *Router) Send(ctx context.Context, destination, text string) error {
	ch, target, err := r.resolve(destination)
	if err != nil {
		return err
	}
	return ch.Send(ctx, target, text)
}

// Probe implements Prober.
func (r *Router) Probe(ctx context.Context, destination string) error {
	ch, target, err := r.resolve(destination)
	if err != nil {
		return err
	}
	return ch.Probe(ctx, target)
}

func (r *Router) resolve(destination string) (Channel, string, error) {
	scheme, target, ok := strings.Cut(destination, ":")
	if ok {
		if ch, found := r.channels[strings.ToLower(scheme)]; found {
			return ch, target, nil
		}
	}
	ch, found := r.channels[r.fallback]
	if !found {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownChannel, destination)
	}
	return ch, destination, nil
}

var _ Channel = (*Router)(nil)
