package cmd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/DuC-cnZj/predict-bus/conn/conntest"
	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/cenkalti/backoff/v4"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBroker = config.Broker{Host: "127.0.0.1", Port: 5672, VirtualHost: "/", Heartbeat: 10 * time.Second}

func dialer(b *conntest.Broker) func(context.Context) (*conn.Connection, error) {
	return func(ctx context.Context) (*conn.Connection, error) {
		return conn.Open(testBroker, conn.WithDialer(b.Dial))
	}
}

func publish(t *testing.T, b *conntest.Broker, key string, bodies ...string) {
	c, err := conn.Open(testBroker, conn.WithDialer(b.Dial))
	require.NoError(t, err)
	defer c.Close()
	p := hub.NewProducer(c, hub.ProducerOptions{})
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeTopic))
	for _, body := range bodies {
		require.NoError(t, p.Publish(context.Background(), []byte(body), key))
	}
}

func TestSupervise_RestartsAfterHandlerError(t *testing.T) {
	b := conntest.NewBroker()
	var calls, done atomic.Int32

	configure := func(c *hub.Consumer) error {
		if err := c.Configure(config.DefaultExchange, amqp.ExchangeTopic, "ner", "predict.#"); err != nil {
			return err
		}
		c.SetHandler(hub.HandlerFunc(func(ctx context.Context, msg *hub.Message) error {
			if calls.Add(1) == 1 {
				return errors.New("model not loaded")
			}
			done.Add(1)
			return nil
		}), false)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := hub.NewConsumerManager()
	result := make(chan error, 1)
	go func() {
		result <- supervise(ctx, manager, dialer(b), configure, &backoff.ZeroBackOff{})
	}()

	require.Eventually(t, func() bool { return b.ConsumerCount("ner") == 1 }, 2*time.Second, 5*time.Millisecond)
	publish(t, b, "predict.ner", "a", "b")

	assert.Eventually(t, func() bool { return done.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 0, b.QueueDepth("ner"))

	cancel()
	manager.CloseAll()
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not stop")
	}
}

func TestSupervise_ReconnectsAfterBrokerDrop(t *testing.T) {
	b := conntest.NewBroker()
	got := make(chan string, 4)
	configure := func(c *hub.Consumer) error {
		if err := c.Configure(config.DefaultExchange, amqp.ExchangeTopic, "ner", "predict.#"); err != nil {
			return err
		}
		c.SetHandler(hub.HandlerFunc(func(ctx context.Context, msg *hub.Message) error {
			got <- string(msg.Body)
			return nil
		}), true)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervise(ctx, hub.NewConsumerManager(), dialer(b), configure, &backoff.ZeroBackOff{})

	require.Eventually(t, func() bool { return b.ConsumerCount("ner") == 1 }, 2*time.Second, 5*time.Millisecond)
	b.DropConnections()
	require.Eventually(t, func() bool { return len(b.Dialed()) >= 2 && b.ConsumerCount("ner") == 1 }, 2*time.Second, 5*time.Millisecond)

	publish(t, b, "predict.ner", "after drop")
	select {
	case body := <-got:
		assert.Equal(t, "after drop", body)
	case <-time.After(2 * time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestSupervise_DeclareConflictIsFatal(t *testing.T) {
	b := conntest.NewBroker()
	c, err := conn.Open(testBroker, conn.WithDialer(b.Dial))
	require.NoError(t, err)
	require.NoError(t, hub.DeclareExchange(c.Channel(), config.DefaultExchange, amqp.ExchangeDirect))
	c.Close()

	configure := func(c *hub.Consumer) error {
		return c.Configure(config.DefaultExchange, amqp.ExchangeTopic, "ner", "predict.#")
	}
	err = supervise(context.Background(), hub.NewConsumerManager(), dialer(b), configure, &backoff.ZeroBackOff{})

	var conflict *hub.DeclareConflictError
	assert.True(t, errors.As(err, &conflict))
}

func TestSupervise_DialGivesUp(t *testing.T) {
	dial := func(ctx context.Context) (*conn.Connection, error) {
		return nil, amqp.ErrCredentials
	}
	err := supervise(context.Background(), hub.NewConsumerManager(), dial, func(*hub.Consumer) error { return nil }, &backoff.ZeroBackOff{})
	assert.ErrorIs(t, err, amqp.ErrCredentials)
}
