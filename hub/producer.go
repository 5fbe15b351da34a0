package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel/codes"
)

// ProducerOptions are used by Configure when the exchange is direct.
type ProducerOptions struct {
	Queue      string
	RoutingKey string
}

// Producer publishes persistent messages to one exchange. It owns its
// connection and must not be used from more than one goroutine at a time.
type Producer struct {
	conn     *conn.Connection
	ch       conn.Channel
	opts     ProducerOptions
	topology Topology

	configured bool
	closed     atomicBool

	// chClosed yields the broker's reason when it closes the channel alone,
	// e.g. 404 on a deleted exchange. The connection stays up in that case.
	chClosed   chan *amqp.Error
	chanClosed atomicBool
}

func NewProducer(c *conn.Connection, opts ProducerOptions) *Producer {
	if opts.Queue == "" {
		opts.Queue = config.DefaultQueueName
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = config.DefaultRoutingKey
	}

	ch := c.Channel()

	return &Producer{
		conn:     c,
		ch:       ch,
		opts:     opts,
		chClosed: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

// Configure declares the exchange. A direct exchange also gets its queue
// declared and bound with the configured routing key, a topic exchange is
// declared alone and consumers bind their own queues.
func (p *Producer) Configure(exchange, kind string) error {
	defer func(t time.Time) { log.Debugf("Producer Configure %s %v.", exchange, time.Since(t)) }(time.Now())

	if p.closed.isSet() {
		return ErrProducerClosed
	}
	if exchange == "" {
		return ErrNotConfigured
	}

	t := Topology{Exchange: exchange, Kind: kind}
	if kind == amqp.ExchangeDirect {
		t.Queue = p.opts.Queue
		t.RoutingKey = p.opts.RoutingKey
	}
	if err := Setup(p.ch, t); err != nil {
		return err
	}
	p.topology = t
	p.configured = true

	return nil
}

func (p *Producer) Exchange() string {
	return p.topology.Exchange
}

// Publish hands payload to the broker as a persistent message. It does not
// wait for confirms: a nil error only means the broker took the frame. When
// no queue is bound with a matching key the broker drops the message and
// Publish still returns nil. An empty routingKey uses the configured one.
func (p *Producer) Publish(ctx context.Context, payload []byte, routingKey string) error {
	if p.closed.isSet() {
		return ErrProducerClosed
	}
	if !p.configured {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if routingKey == "" {
		routingKey = p.topology.RoutingKey
	}

	headers := amqp.Table{}
	_, span := startPublishSpan(ctx, p.topology.Exchange, routingKey, headers)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    xid.New().String(),
		Timestamp:    time.Now(),
		Body:         payload,
	}
	if err := p.ch.Publish(p.topology.Exchange, routingKey, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish to %q with key %q: %w", p.topology.Exchange, routingKey, err)
	}
	publishedTotal.WithLabelValues(p.topology.Exchange).Inc()
	log.Debugf("published %s to %s with key %s", msg.MessageId, p.topology.Exchange, routingKey)

	return nil
}

// DeleteExchange removes name, or the configured exchange when name is empty.
// It is meant for cleaning up a misconfigured exchange.
func (p *Producer) DeleteExchange(name string) error {
	if p.closed.isSet() {
		return ErrProducerClosed
	}
	if name == "" {
		name = p.topology.Exchange
	}
	if name == "" {
		return ErrNotConfigured
	}
	if err := p.ch.ExchangeDelete(name, false, false); err != nil {
		return fmt.Errorf("delete exchange %q: %w", name, err)
	}
	log.Warnf("exchange %s deleted", name)
	if name == p.topology.Exchange {
		p.configured = false
	}

	return nil
}

// Close releases the channel and the connection. Only the first call does
// anything.
func (p *Producer) Close() error {
	if !p.closed.trySet() {
		return nil
	}
	log.Debugf("producer %s closing", p.topology.Exchange)

	return p.conn.Close()
}

// IsClosed reports whether the producer can no longer publish. A producer
// whose channel was closed by the broker releases its connection here.
func (p *Producer) IsClosed() bool {
	if p.closed.isSet() || p.chanClosed.isSet() || p.conn.IsClosed() {
		return true
	}

	select {
	case reason, ok := <-p.chClosed:
		if ok && reason != nil {
			log.Warnf("producer %s channel closed by broker: %v", p.topology.Exchange, reason)
		}
		if p.chanClosed.trySet() {
			p.Close()
		}
		return true
	default:
		return false
	}
}
