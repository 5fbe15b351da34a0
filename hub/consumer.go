package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

type ConsumerOptions struct {
	// Tag identifies the consumer on the broker, a random one is used when empty.
	Tag string
}

// Consumer receives from one queue and hands each delivery to its Handler,
// one at a time. It owns its connection.
type Consumer struct {
	conn     *conn.Connection
	ch       conn.Channel
	tag      string
	topology Topology

	handler Handler
	autoAck bool

	delivery  <-chan amqp.Delivery
	closeChan chan *amqp.Error

	configured bool
	running    atomicBool
	closed     atomicBool
}

var _ ConsumerBuilder = (*Consumer)(nil)

func NewConsumer(c *conn.Connection, opts ConsumerOptions) *Consumer {
	tag := opts.Tag
	if tag == "" {
		tag = "predict-bus-" + uuid.NewString()
	}

	return &Consumer{conn: c, ch: c.Channel(), tag: tag, autoAck: true}
}

// Configure declares the exchange and the queue and binds them with
// routingKey. With an empty exchange only the queue is declared.
func (c *Consumer) Configure(exchange, kind, queue, routingKey string) error {
	defer func(t time.Time) { log.Debugf("Consumer Configure %s %v.", queue, time.Since(t)) }(time.Now())

	if c.closed.isSet() {
		return ErrConsumerClosed
	}
	if queue == "" {
		return fmt.Errorf("consumer needs a queue")
	}

	c.topology = Topology{Exchange: exchange, Kind: kind, Queue: queue, RoutingKey: routingKey}
	if err := c.topology.validate(); err != nil {
		return err
	}
	if err := prepare(c); err != nil {
		return err
	}
	c.configured = true

	return nil
}

// SetHandler must be called before Run. With autoAck the broker forgets a
// message as soon as it is delivered, so a crash inside h loses it. The
// prefetch limit does not apply to autoAck consumers either: the broker
// pushes the whole backlog into the client buffer, and a crash loses every
// buffered message, not only the one in h. Without autoAck a message is acked
// after h returns nil and requeued when it fails, and at most
// config.PrefetchCount messages are outstanding.
func (c *Consumer) SetHandler(h Handler, autoAck bool) {
	c.handler = h
	c.autoAck = autoAck
}

func (c *Consumer) Tag() string {
	return c.tag
}

func (c *Consumer) Queue() string {
	return c.topology.Queue
}

func (c *Consumer) PrepareExchange() error {
	return (&binder{ch: c.ch, topology: c.topology}).PrepareExchange()
}

func (c *Consumer) PrepareQueueDeclare() error {
	return (&binder{ch: c.ch, topology: c.topology}).PrepareQueueDeclare()
}

func (c *Consumer) PrepareQueueBind() error {
	return (&binder{ch: c.ch, topology: c.topology}).PrepareQueueBind()
}

func (c *Consumer) PrepareQos() error {
	defer func(t time.Time) { log.Debugf("Consumer PrepareQos %v.", time.Since(t)) }(time.Now())

	if err := c.ch.Qos(config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("qos on queue %q: %w", c.topology.Queue, err)
	}

	return nil
}

func (c *Consumer) PrepareDelivery() error {
	defer func(t time.Time) { log.Debugf("Consumer PrepareDelivery %v.", time.Since(t)) }(time.Now())

	var err error

	c.closeChan = c.ch.NotifyClose(make(chan *amqp.Error, 1))
	if c.delivery, err = c.ch.Consume(c.topology.Queue, c.tag, c.autoAck, false, false, false, nil); err != nil {
		return fmt.Errorf("consume queue %q: %w", c.topology.Queue, err)
	}

	return nil
}

// Run blocks receiving deliveries until ctx is done, the consumer is closed,
// the channel goes away or the handler fails. It returns nil for the first
// two, ErrChannelClosed when the broker closes the channel and a
// *HandlerError for the last. Panics in the handler are not recovered.
// Messages are handled one at a time. In autoAck mode the deliveries still
// waiting in the client buffer when Run returns are gone from the broker.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.isSet() {
		return ErrConsumerClosed
	}
	if c.handler == nil {
		return ErrNoHandler
	}
	if !c.configured {
		return ErrNotConfigured
	}
	if !c.running.trySet() {
		return fmt.Errorf("consumer %s is already running", c.tag)
	}

	if err := subscribe(c); err != nil {
		return err
	}
	log.Infof("consumer %s receiving from %s (auto ack %t)", c.tag, c.topology.Queue, c.autoAck)

	for {
		select {
		case <-ctx.Done():
			log.Debugf("consumer %s stopped: %v", c.tag, ctx.Err())
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			log.Debugf("consumer %s stopped: %v", c.tag, ctx.Err())
			return nil
		case d, ok := <-c.delivery:
			if !ok {
				return c.closedError()
			}
			if err := c.handle(ctx, d); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) error {
	consumedTotal.WithLabelValues(c.topology.Queue).Inc()

	if err := c.handler.Handle(ctx, newMessage(c.topology.Queue, d)); err != nil {
		failedTotal.WithLabelValues(c.topology.Queue).Inc()
		if !c.autoAck {
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Errorf("nack %d on %s: %v", d.DeliveryTag, c.topology.Queue, nackErr)
			}
		}
		return &HandlerError{Queue: c.topology.Queue, DeliveryTag: d.DeliveryTag, Err: err}
	}

	if !c.autoAck {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack %d on %s: %w", d.DeliveryTag, c.topology.Queue, err)
		}
	}

	return nil
}

func (c *Consumer) closedError() error {
	if c.closed.isSet() {
		return nil
	}
	select {
	case reason, ok := <-c.closeChan:
		if ok && reason != nil {
			return fmt.Errorf("%w: %v", ErrChannelClosed, reason)
		}
	default:
	}

	return ErrChannelClosed
}

// Close closes the channel and the connection, which unblocks Run.
func (c *Consumer) Close() error {
	if !c.closed.trySet() {
		return nil
	}
	log.Debugf("consumer %s closing", c.tag)

	return c.conn.Close()
}
