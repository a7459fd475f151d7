package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const QueueName = "telemed_notifications"

// confirmation is the broker's answer for a single delivery tag.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publisher interface {
	publish(ctx context.Context, pub amqp.Publishing) (confirmation, error)
	Close() error
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c amqpChannel) publish(ctx context.Context, pub amqp.Publishing) (confirmation, error) {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", QueueName, false, false, pub)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (c amqpChannel) Close() error {
	return c.ch.Close()
}

// AMQPDispatcher publishes persistent messages to a durable queue and waits
// for the broker confirm of that delivery tag before reporting success.
type AMQPDispatcher struct {
	pub publisher
	log *zap.Logger
}

func Dial(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

func NewAMQPDispatcher(conn *amqp.Connection, log *zap.Logger) (*AMQPDispatcher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		QueueName, // name
		true,      // durable
		false,     // autoDelete
		false,     // exclusive
		false,     // noWait
		nil,       // args
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare %s: %w", QueueName, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	return &AMQPDispatcher{pub: amqpChannel{ch: ch}, log: log}, nil
}

func (d *AMQPDispatcher) Dispatch(ctx context.Context, msg Message) error {
	msg = stamp(msg)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID.String(),
		Type:         string(msg.Kind),
		Timestamp:    msg.CreatedAt,
	}

	conf, err := d.pub.publish(ctx, pub)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Kind, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message %s", msg.Kind, msg.ID)
	}

	d.log.Debug("notification queued", zap.String("id", msg.ID.String()), zap.String("kind", string(msg.Kind)))
	return nil
}

func (d *AMQPDispatcher) Close() error {
	return d.pub.Close()
}
