// Package bridge mirrors fanned-out events to a RabbitMQ topic exchange so
// sibling nodes and audit consumers can observe the stream. The bridge is
// optional: when disabled the router and dispatcher run with a nil publisher
// and skip mirroring entirely.
package bridge

import (
	"context"
	"encoding/json"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// AMQP publishes event envelopes to a topic exchange. Routing keys follow
// "<event type>.<scope id>" so consumers can bind per thread or per user.
type AMQP struct {
	conn     *amqp091.Connection
	exchange string
}

// Dial connects and declares the topic exchange. Publisher confirms are
// enabled so a broker-side failure surfaces as an error rather than a silent
// drop.
func Dial(url, exchange string) (*AMQP, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("bridge_connected", "exchange", exchange)
	return &AMQP{conn: conn, exchange: exchange}, nil
}

// Publish sends one event envelope. A short-lived channel per publish keeps
// the publisher safe for concurrent use from many fanout goroutines.
func (a *AMQP) Publish(ctx context.Context, key string, ev models.Event) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Type:         ev.Type,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (a *AMQP) Close() error {
	return a.conn.Close()
}
