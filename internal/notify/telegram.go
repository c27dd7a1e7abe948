package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/wonny/aegis-trader/internal/contracts"
	"github.com/wonny/aegis-trader/pkg/config"
	"github.com/wonny/aegis-trader/pkg/logger"
)

// Sender is the subset of tgbotapi.BotAPI used by the notifier
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends rendered events to one chat
type TelegramNotifier struct {
	bot     Sender
	chatID  int64
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewTelegramBot authorizes against endpoint (tgbotapi.APIEndpoint in production).
// 토큰이 URL 경로에 들어가므로 요청 로그를 남기는 httputil 대신 기본 클라이언트 사용
func NewTelegramBot(cfg config.TelegramConfig, endpoint string) (*tgbotapi.BotAPI, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("telegram authorize: %w", err)
	}
	return bot, nil
}

// NewTelegramNotifier creates a notifier. Messages are limited to one per second with a burst of 5.
func NewTelegramNotifier(bot Sender, chatID int64, log *logger.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:     bot,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  log.Component("notify_telegram"),
	}
}

// Name implements events.Sink
func (n *TelegramNotifier) Name() string { return "telegram" }

// Handle implements events.Sink
func (n *TelegramNotifier) Handle(ctx context.Context, evt contracts.Event) error {
	text, ok := Render(evt)
	if !ok {
		return nil
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate wait: %w", err)
	}

	if _, err := n.bot.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
		return fmt.Errorf("telegram send %s: %w", evt.Kind, err)
	}

	n.logger.WithFields(map[string]interface{}{
		"kind":   evt.Kind,
		"symbol": evt.Symbol,
	}).Debug("Telegram notification sent")
	return nil
}

// LogNotifier writes rendered events to the structured log
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.Component("notify")}
}

// Name implements events.Sink
func (n *LogNotifier) Name() string { return "log" }

// Handle implements events.Sink
func (n *LogNotifier) Handle(ctx context.Context, evt contracts.Event) error {
	text, ok := Render(evt)
	if !ok {
		return nil
	}
	n.logger.WithFields(map[string]interface{}{
		"kind":     evt.Kind,
		"symbol":   evt.Symbol,
		"event_id": evt.ID,
		"text":     text,
	}).Info("Notification")
	return nil
}
