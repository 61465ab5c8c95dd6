package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKeyJobFailed is the routing key of escalation messages.
const RoutingKeyJobFailed = "intake.job.failed"

// Publisher sends one message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// AMQPNotifier publishes alerts as JSON so other systems can react to them.
type AMQPNotifier struct {
	pub Publisher
}

func NewAMQPNotifier(pub Publisher) *AMQPNotifier {
	return &AMQPNotifier{pub: pub}
}

func (n *AMQPNotifier) Name() string { return "amqp" }

func (n *AMQPNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return n.pub.Publish(ctx, RoutingKeyJobFailed, body)
}

type AMQPConfig struct {
	URL            string
	Exchange       string
	PublishRetries int
	RetryDelay     time.Duration
}

// AMQPClient owns one connection and channel to the broker.
type AMQPClient struct {
	cfg     AMQPConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
}

func DialAMQP(cfg AMQPConfig, logger *slog.Logger) (*AMQPClient, error) {
	if cfg.Exchange == "" {
		cfg.Exchange = "patient-intake"
	}
	if cfg.PublishRetries <= 0 {
		cfg.PublishRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	logger.Info("amqp publisher ready", slog.String("exchange", cfg.Exchange))
	return &AMQPClient{cfg: cfg, conn: conn, channel: ch, logger: logger}, nil
}

// Publish sends body persistently, retrying with exponential backoff.
func (c *AMQPClient) Publish(ctx context.Context, routingKey string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.PublishRetries; attempt++ {
		err := c.channel.PublishWithContext(
			ctx,
			c.cfg.Exchange, // exchange
			routingKey,     // routing key
			false,          // mandatory
			false,          // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now(),
			},
		)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < c.cfg.PublishRetries {
			delay := c.cfg.RetryDelay << attempt
			c.logger.Warn("amqp publish failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("amqp publish after %d attempts: %w", c.cfg.PublishRetries+1, lastErr)
}

func (c *AMQPClient) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("close amqp channel", slog.Any("error", err))
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
