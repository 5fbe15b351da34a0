package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn/conntest"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFanOut(t *testing.T) {
	b := conntest.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, a.Configure(config.DefaultExchange, amqp.ExchangeTopic, "qa", "predict-key"))
	gotA := make(chan *Message, 10)
	a.SetHandler(collect(gotA), true)
	runConsumer(ctx, a)

	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeTopic, "qb", "other-key"))
	gotB := make(chan *Message, 10)
	c.SetHandler(collect(gotB), true)
	runConsumer(ctx, c)

	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeTopic))
	require.NoError(t, p.Publish(ctx, []byte("hello"), "predict-key"))

	assert.Equal(t, []byte("hello"), recv(t, gotA).Body)
	select {
	case m := <-gotA:
		t.Fatalf("qa got a second message %q", m.Body)
	case m := <-gotB:
		t.Fatalf("qb got %q", m.Body)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, b.QueueDepth("qb"))
}

func TestDirectOrdering(t *testing.T) {
	b := conntest.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	for _, body := range []string{"m1", "m2", "m3"} {
		require.NoError(t, p.Publish(ctx, []byte(body), ""))
	}

	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeDirect, config.DefaultQueueName, config.DefaultRoutingKey))
	got := make(chan *Message, 10)
	c.SetHandler(collect(got), false)
	runConsumer(ctx, c)

	for _, want := range []string{"m1", "m2", "m3"} {
		assert.Equal(t, want, string(recv(t, got).Body))
	}
}

func TestPrefetchOneBlocksSecondDelivery(t *testing.T) {
	b := conntest.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	require.NoError(t, p.Publish(ctx, []byte("first"), ""))
	require.NoError(t, p.Publish(ctx, []byte("second"), ""))

	started := make(chan string, 2)
	release := make(chan struct{})
	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeDirect, config.DefaultQueueName, config.DefaultRoutingKey))
	c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error {
		started <- string(msg.Body)
		<-release
		return nil
	}), false)
	runConsumer(ctx, c)

	assert.Equal(t, "first", <-started)
	select {
	case body := <-started:
		t.Fatalf("handler started %q before the first one returned", body)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, b.QueueDepth(config.DefaultQueueName))

	release <- struct{}{}
	assert.Equal(t, "second", <-started)
	close(release)
}

func TestManualAckRequeuesOnHandlerError(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	require.NoError(t, p.Publish(context.Background(), []byte("boom"), ""))

	boom := errors.New("boom")
	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeDirect, config.DefaultQueueName, config.DefaultRoutingKey))
	c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error {
		return boom
	}), false)

	err := waitErr(t, runConsumer(context.Background(), c))
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, config.DefaultQueueName, handlerErr.Queue)
	assert.Equal(t, uint64(1), handlerErr.DeliveryTag)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, b.QueueDepth(config.DefaultQueueName))
}

func TestAutoAckLosesMessageOnHandlerError(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	require.NoError(t, p.Publish(context.Background(), []byte("boom"), ""))

	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeDirect, config.DefaultQueueName, config.DefaultRoutingKey))
	c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	}), true)

	var handlerErr *HandlerError
	assert.ErrorAs(t, waitErr(t, runConsumer(context.Background(), c)), &handlerErr)
	require.NoError(t, c.Close())
	assert.Equal(t, 0, b.QueueDepth(config.DefaultQueueName))
}

func TestAutoAckDrainsBacklogPastPrefetch(t *testing.T) {
	b := conntest.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, p.Publish(ctx, []byte(body), ""))
	}

	started := make(chan string, 3)
	release := make(chan struct{})
	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure(config.DefaultExchange, amqp.ExchangeDirect, config.DefaultQueueName, config.DefaultRoutingKey))
	c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error {
		started <- string(msg.Body)
		<-release
		return nil
	}), true)
	runConsumer(ctx, c)

	assert.Equal(t, "a", <-started)
	// b and c sit in the client buffer, not in the queue
	assert.Equal(t, 0, b.QueueDepth(config.DefaultQueueName))

	require.NoError(t, c.Close())
	close(release)
	assert.Equal(t, 0, b.QueueDepth(config.DefaultQueueName))
}

func TestConsumerQueueOnly(t *testing.T) {
	b := conntest.NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure("", "", "jobs", ""))
	got := make(chan *Message, 1)
	c.SetHandler(collect(got), true)
	runConsumer(ctx, c)

	require.NoError(t, openConn(t, b).Channel().Publish("", "jobs", false, false, amqp.Publishing{Body: []byte("direct to queue")}))
	assert.Equal(t, "direct to queue", string(recv(t, got).Body))
}

func TestConsumerRunStops(t *testing.T) {
	newConsumer := func(t *testing.T, b *conntest.Broker) *Consumer {
		c := NewConsumer(openConn(t, b), ConsumerOptions{Tag: "worker-1"})
		require.NoError(t, c.Configure("ex", amqp.ExchangeTopic, "q", "#"))
		c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error { return nil }), true)
		return c
	}

	t.Run("context cancelled", func(t *testing.T) {
		b := conntest.NewBroker()
		c := newConsumer(t, b)
		ctx, cancel := context.WithCancel(context.Background())
		done := runConsumer(ctx, c)
		cancel()
		assert.NoError(t, waitErr(t, done))
	})

	t.Run("closed", func(t *testing.T) {
		b := conntest.NewBroker()
		c := newConsumer(t, b)
		done := runConsumer(context.Background(), c)
		require.Eventually(t, func() bool { return b.ConsumerCount("q") == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, c.Close())
		assert.NoError(t, waitErr(t, done))
		assert.ErrorIs(t, c.Run(context.Background()), ErrConsumerClosed)
	})

	t.Run("broker went away", func(t *testing.T) {
		b := conntest.NewBroker()
		c := newConsumer(t, b)
		done := runConsumer(context.Background(), c)
		require.Eventually(t, func() bool { return b.ConsumerCount("q") == 1 }, time.Second, 5*time.Millisecond)
		b.DropConnections()
		err := waitErr(t, done)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Contains(t, err.Error(), "CONNECTION_FORCED")
	})
}

func TestConsumerRunPreconditions(t *testing.T) {
	b := conntest.NewBroker()
	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	assert.ErrorIs(t, c.Run(context.Background()), ErrNoHandler)

	c.SetHandler(HandlerFunc(func(ctx context.Context, msg *Message) error { return nil }), true)
	assert.ErrorIs(t, c.Run(context.Background()), ErrNotConfigured)
	assert.Error(t, c.Configure("ex", amqp.ExchangeTopic, "", "k"))
	assert.True(t, len(c.Tag()) > len("predict-bus-"))
}
