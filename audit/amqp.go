package audit

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/posting-engine/posting"
)

// Publisher is the part of *amqp091.Channel the publisher needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

// AMQPPublisher publishes claim activity to a topic exchange with routing key
// "claim.<activity>".
type AMQPPublisher struct {
	ch       Publisher
	exchange string
	closers  []func() error
}

func NewAMQPPublisher(ch Publisher, exchange string) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, exchange: exchange}
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := NewAMQPPublisher(ch, exchange)
	p.closers = []func() error{ch.Close, conn.Close}
	return p, nil
}

func RoutingKey(a posting.Activity) string {
	return "claim." + string(a)
}

func (p *AMQPPublisher) RecordClaimActivity(ctx context.Context, a posting.ClaimActivity) error {
	body, err := json.Marshal(NewEvent(a))
	if err != nil {
		return fmt.Errorf("encode claim activity: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    a.At,
		Headers: amqp091.Table{
			"claim_id": string(a.ClaimID),
		},
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(a.Activity), false, false, msg); err != nil {
		return fmt.Errorf("publish claim activity: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
