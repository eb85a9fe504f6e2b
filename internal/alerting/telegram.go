package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// TelegramNotifier sends messages through the Telegram Bot API. Destinations
// are numeric chat ids or @channel usernames.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewTelegramNotifier authenticates the bot (getMe) and returns the notifier.
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) (*TelegramNotifier, error) {
	if botToken == "" {
		return nil, errors.New("telegram bot token not configured")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	endpoint := tgbotapi.APIEndpoint
	if baseURL != "" {
		endpoint = strings.TrimRight(baseURL, "/") + "/bot%s/%s"
	}

	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:    bot,
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}, nil
}

// contextClient binds every Bot API request to the caller's context; the
// library methods take none.
type contextClient struct {
	ctx  context.Context
	base tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

// withContext returns a shallow copy of the bot whose requests honour ctx.
func (n *TelegramNotifier) withContext(ctx context.Context) *tgbotapi.BotAPI {
	bot := *n.bot
	bot.Client = contextClient{ctx: ctx, base: n.bot.Client}
	return &bot
}

// Send implements Notifier via sendMessage.
func (n *TelegramNotifier) Send(ctx context.Context, destination, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	var msg tgbotapi.MessageConfig
	if chatID, err := strconv.ParseInt(destination, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(chatID, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(destination, text)
	}
	msg.DisableWebPagePreview = true

	if _, err := n.withContext(ctx).Send(msg); err != nil {
		return classifyTelegram(destination, err)
	}

	n.logger.Debug().Str("destination", destination).Msg("alert sent (Telegram)")
	return nil
}

// Probe implements Prober via getChat.
func (n *TelegramNotifier) Probe(ctx context.Context, destination string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	cfg := tgbotapi.ChatInfoConfig{}
	if chatID, err := strconv.ParseInt(destination, 10, 64); err == nil {
		cfg.ChatID = chatID
	} else {
		cfg.SuperGroupUsername = destination
	}
	if _, err := n.withContext(ctx).GetChat(cfg); err != nil {
		return classifyTelegram(destination, err)
	}
	return nil
}

func classifyTelegram(destination string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden:
			return fmt.Errorf("%w: telegram %s: %s", ErrDestinationGone, destination, apiErr.Message)
		case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "chat not found"):
			return fmt.Errorf("%w: telegram %s: %s", ErrDestinationGone, destination, apiErr.Message)
		}
		return fmt.Errorf("%w: telegram api error (%d): %s", ErrDeliveryFailed, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: telegram request: %v", ErrDeliveryFailed, err)
}

var _ Channel = (*TelegramNotifier)(nil)
