package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event kinds emitted by the pipeline.
const (
	KindCardApproved      = "card_approved"
	KindCardDeclined      = "card_declined"
	KindFraudAlert        = "fraud_alert"
	KindGeoAnomaly        = "geo_anomaly"
	KindSendSubmitted     = "send_submitted"
	KindSendConfirmed     = "send_confirmed"
	KindSendFailed        = "send_failed"
	KindCardAutoCancelled = "card_auto_cancelled"
)

const channelPrefix = "notifications:"

// Message describes a notification payload.
type Message struct {
	Kind          string            `json:"kind"`
	AccountID     string            `json:"accountId"`
	TransactionID string            `json:"transactionId,omitempty"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("account_id", message.AccountID),
		slog.String("transaction_id", message.TransactionID),
		slog.String("body", message.Body),
	)
	return nil
}

// RedisNotifier publishes each message as JSON on notifications:<accountId>.
// Subscribers (push gateway, bot) own delivery and deduplication.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier constructs a pub/sub notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the pub/sub channel for an account.
func Channel(accountID string) string {
	return channelPrefix + accountID
}

// Send publishes the message.
func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.client.Publish(ctx, Channel(message.AccountID), payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
