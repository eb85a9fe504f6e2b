package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. The destination is the URL.
type WebhookNotifier struct {
	client *resty.Client
	logger zerolog.Logger

	mu sync.Mutex
	// status of the last POST that answered 404 or 410, cleared by a successful delivery
	gone map[string]int
}

type webhookPayload struct {
	Text string `json:"text"`
}

// NewWebhookNotifier constructs the webhook channel.
func NewWebhookNotifier(userAgent string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		ua = "alertd/1.0"
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", ua)

	return &WebhookNotifier{
		client: client,
		logger: logger.With().Str("component", "alert_webhook").Logger(),
		gone:   make(map[string]int),
	}
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, destination, text string) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{Text: text}).
		Post(destination)
	if err != nil {
		return fmt.Errorf("%w: webhook request: %v", ErrDeliveryFailed, err)
	}
	status := resp.StatusCode()
	if err := classifyWebhook(destination, status); err != nil {
		if errors.Is(err, ErrDestinationGone) {
			n.markGone(destination, status)
		}
		return err
	}
	n.clearGone(destination)
	n.logger.Debug().Str("destination", destination).Msg("alert sent (webhook)")
	return nil
}

// Probe implements Prober. Only a delivery POST answered with 404 or 410
// confirms a destination gone. A HEAD request just checks reachability:
// endpoints routing POST alone answer it with 404, 405 or 501, so no status
// it returns can confirm the hook is gone.
func (n *WebhookNotifier) Probe(ctx context.Context, destination string) error {
	if status, ok := n.goneStatus(destination); ok {
		return fmt.Errorf("%w: webhook %s answered delivery with %d", ErrDestinationGone, destination, status)
	}

	resp, err := n.client.R().SetContext(ctx).Head(destination)
	if err != nil {
		return fmt.Errorf("%w: webhook probe: %v", ErrDeliveryFailed, err)
	}
	status := resp.StatusCode()
	if status >= http.StatusInternalServerError && status != http.StatusNotImplemented {
		return fmt.Errorf("%w: webhook %s returned %d", ErrDeliveryFailed, destination, status)
	}
	if status >= http.StatusBadRequest {
		n.logger.Debug().Str("destination", destination).Int("status", status).Msg("head rejected, destination kept")
	}
	return nil
}

func (n *WebhookNotifier) markGone(destination string, status int) {
	n.mu.Lock()
	n.gone[destination] = status
	n.mu.Unlock()
}

func (n *WebhookNotifier) clearGone(destination string) {
	n.mu.Lock()
	delete(n.gone, destination)
	n.mu.Unlock()
}

func (n *WebhookNotifier) goneStatus(destination string) (int, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, ok := n.gone[destination]
	return status, ok
}

func classifyWebhook(destination string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: webhook %s returned %d", ErrDestinationGone, destination, status)
	default:
		return fmt.Errorf("%w: webhook %s returned %d", ErrDeliveryFailed, destination, status)
	}
}

var _ Channel = (*WebhookNotifier)(nil)
