package hub

import (
	"errors"
	"fmt"
	"time"

	"github.com/DuC-cnZj/predict-bus/conn"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Topology describes what a producer or consumer declares before use.
//
//   - Exchange set, Queue empty: the exchange only (topic broadcast producer).
//   - Exchange and Queue set: exchange, queue and a binding on RoutingKey.
//   - Exchange empty: the queue only, reachable through the default exchange by its name.
type Topology struct {
	Exchange   string
	Kind       string
	Queue      string
	RoutingKey string
}

func (t Topology) validate() error {
	if t.Exchange == "" {
		return nil
	}
	switch t.Kind {
	case amqp.ExchangeTopic:
	case amqp.ExchangeDirect:
		if t.Queue == "" {
			return fmt.Errorf("direct exchange %q needs a queue", t.Exchange)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, t.Kind)
	}

	return nil
}

// DeclareExchange declares a durable, non auto-deleted exchange. Declaring the
// same exchange again with the same kind is a no-op.
func DeclareExchange(ch conn.Channel, name, kind string) error {
	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return declareError("exchange", name, err)
	}

	return nil
}

// DeclareQueue declares a durable, non exclusive queue.
func DeclareQueue(ch conn.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return declareError("queue", name, err)
	}

	return nil
}

func Bind(ch conn.Channel, exchange, queue, routingKey string) error {
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to exchange %q with key %q: %w", queue, exchange, routingKey, err)
	}

	return nil
}

// Setup applies t on ch. Both sides of a direct exchange call it, whoever
// comes first creates the entities.
func Setup(ch conn.Channel, t Topology) error {
	if err := t.validate(); err != nil {
		return err
	}

	return prepare(&binder{ch: ch, topology: t})
}

func declareError(kind, name string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
		return &DeclareConflictError{Kind: kind, Name: name, Err: err}
	}

	return fmt.Errorf("declare %s %q: %w", kind, name, err)
}

type binder struct {
	ch       conn.Channel
	topology Topology
}

var _ Prepareable = (*binder)(nil)

func (b *binder) PrepareExchange() error {
	if b.topology.Exchange == "" {
		return nil
	}
	defer func(t time.Time) { log.Debugf("binder prepareExchange %s %v.", b.topology.Exchange, time.Since(t)) }(time.Now())

	return DeclareExchange(b.ch, b.topology.Exchange, b.topology.Kind)
}

func (b *binder) PrepareQueueDeclare() error {
	if b.topology.Queue == "" {
		return nil
	}
	defer func(t time.Time) { log.Debugf("binder prepareQueueDeclare %s %v.", b.topology.Queue, time.Since(t)) }(time.Now())

	return DeclareQueue(b.ch, b.topology.Queue)
}

func (b *binder) PrepareQueueBind() error {
	if b.topology.Exchange == "" || b.topology.Queue == "" {
		return nil
	}
	defer func(t time.Time) { log.Debugf("binder prepareQueueBind %s %v.", b.topology.Queue, time.Since(t)) }(time.Now())

	return Bind(b.ch, b.topology.Exchange, b.topology.Queue, b.topology.RoutingKey)
}
