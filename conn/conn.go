package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// Channel is the subset of *amqp.Channel used by producers and consumers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AmqpConnection is the subset of *amqp.Connection owned by a Connection.
type AmqpConnection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type Dialer func(url string, cfg amqp.Config) (AmqpConnection, error)

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (Channel, error) {
	ch, err := w.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func dialAmqp(url string, cfg amqp.Config) (AmqpConnection, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}

	return &connWrapper{c}, nil
}

type options struct {
	dial Dialer
	name string
}

type Option func(*options)

// WithDialer replaces the network dialer, tests use it to plug in a fake broker.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithName sets the connection_name client property shown in the management ui.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// ConnectionError is returned when the broker can not be reached, rejects the
// credentials or the protocol negotiation fails.
type ConnectionError struct {
	Op    string
	Host  string
	Port  int
	Vhost string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("amqp %s %s:%d vhost %q: %v", e.Op, e.Host, e.Port, e.Vhost, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Connection owns exactly one amqp connection and one channel on it.
// It is not safe to share between goroutines.
type Connection struct {
	params  config.Broker
	conn    AmqpConnection
	channel Channel

	connClosed chan *amqp.Error

	closeOnce sync.Once
	closeErr  error
}

// Open dials the broker and opens the channel. There is no implicit reconnect:
// callers that need one call Open again (or Redial).
func Open(params config.Broker, opts ...Option) (*Connection, error) {
	defer func(t time.Time) { log.Debugf("conn Open %s %v.", params.Addr(), time.Since(t)) }(time.Now())

	var (
		c   AmqpConnection
		ch  Channel
		err error
		o   = options{dial: dialAmqp, name: "predict-bus"}
	)

	for _, opt := range opts {
		opt(&o)
	}

	vhost := params.VirtualHost
	if vhost == "" {
		vhost = "/"
	}

	if c, err = o.dial(params.URI(), amqp.Config{
		SASL:      []amqp.Authentication{&amqp.PlainAuth{Username: params.Username, Password: params.Password}},
		Vhost:     vhost,
		Heartbeat: params.Heartbeat,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": o.name,
		},
	}); err != nil {
		return nil, &ConnectionError{Op: "dial", Host: params.Host, Port: params.Port, Vhost: vhost, Err: err}
	}

	if ch, err = c.Channel(); err != nil {
		c.Close()
		return nil, &ConnectionError{Op: "channel", Host: params.Host, Port: params.Port, Vhost: vhost, Err: err}
	}

	log.Infof("amqp connected %s vhost %s.", params.Addr(), vhost)

	return &Connection{
		params:     params,
		conn:       c,
		channel:    ch,
		connClosed: c.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (c *Connection) Channel() Channel {
	return c.channel
}

func (c *Connection) Params() config.Broker {
	return c.params
}

func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Done is closed when the underlying connection goes away, it yields the
// broker's reason first when the shutdown was not initiated by us.
func (c *Connection) Done() <-chan *amqp.Error {
	return c.connClosed
}

// Close releases the channel and then the connection. Calling it more than
// once returns the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			log.Debugf("close channel %s: %v", c.params.Addr(), err)
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.closeErr = &ConnectionError{Op: "close", Host: c.params.Host, Port: c.params.Port, Vhost: c.params.VirtualHost, Err: err}
		}
		log.Debugf("amqp connection %s closed.", c.params.Addr())
	})

	return c.closeErr
}

// Redial keeps calling Open until it succeeds, ctx is done or b gives up.
// Rejected credentials stop the retries immediately.
func Redial(ctx context.Context, params config.Broker, b backoff.BackOff, opts ...Option) (*Connection, error) {
	var (
		c   *Connection
		err error
	)

	log.Warnf("redial %s", params.Addr())
	err = backoff.RetryNotify(func() error {
		var e error
		if c, e = Open(params, opts...); e != nil {
			if errors.Is(e, amqp.ErrCredentials) || errors.Is(e, amqp.ErrVhost) {
				return backoff.Permanent(e)
			}
			return e
		}
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Debugf("redial %s failed: %v, next in %s", params.Addr(), err, next)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}
