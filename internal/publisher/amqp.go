package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP delivers file payloads to destination channels. Each channel id
// maps to a routing key on a direct exchange with a durable queue bound
// on first use; one delivered unit is one persistent message carrying
// the part bytes and caption metadata in headers.
type AMQP struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger

	mu       sync.Mutex
	declared map[string]struct{}
}

type Config struct {
	URL      string
	Exchange string
}

func NewAMQP(cfg Config, logger *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("connected to rabbitmq", "exchange", cfg.Exchange)

	return &AMQP{
		conn:     conn,
		channel:  ch,
		exchange: cfg.Exchange,
		logger:   logger,
		declared: make(map[string]struct{}),
	}, nil
}

// Deliver publishes one unit (a whole file or one part of a split
// sequence) to the destination channel. part and total are 1-based;
// total is 1 for unsplit files.
func (a *AMQP) Deliver(ctx context.Context, channelID, fileName string, payload []byte, caption string, part, total int) error {
	queue, err := a.ensureQueue(channelID)
	if err != nil {
		return err
	}

	err = a.channel.PublishWithContext(
		ctx,
		a.exchange,
		channelID,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/octet-stream",
			Body:         payload,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				"file_name":  fileName,
				"caption":    caption,
				"part":       int32(part),
				"part_total": int32(total),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", channelID, err)
	}

	a.logger.Debug("delivered unit",
		"channel", channelID,
		"queue", queue,
		"file", fileName,
		"part", part,
		"part_total", total,
		"bytes", len(payload),
	)

	return nil
}

func (a *AMQP) ensureQueue(channelID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	queue := "media_" + channelID
	if _, ok := a.declared[channelID]; ok {
		return queue, nil
	}

	q, err := a.channel.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare queue: %w", err)
	}

	if err := a.channel.QueueBind(q.Name, channelID, a.exchange, false, nil); err != nil {
		return "", fmt.Errorf("bind queue: %w", err)
	}

	a.declared[channelID] = struct{}{}
	return q.Name, nil
}

func (a *AMQP) Close() error {
	if a.channel != nil {
		a.channel.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
