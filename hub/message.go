package hub

import (
	"context"
	"time"

	"github.com/streadway/amqp"
)

// Message is one delivery as seen by a Handler.
type Message struct {
	Id          string
	Body        []byte
	Exchange    string
	RoutingKey  string
	Queue       string
	DeliveryTag uint64
	Redelivered bool
	Timestamp   time.Time
	Headers     amqp.Table
}

func newMessage(queue string, d amqp.Delivery) *Message {
	return &Message{
		Id:          d.MessageId,
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Queue:       queue,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Timestamp:   d.Timestamp,
		Headers:     d.Headers,
	}
}

// Handler processes one message. A non nil error stops the consumer.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}
