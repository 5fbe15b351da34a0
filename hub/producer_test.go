package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn/conntest"
	"github.com/DuC-cnZj/predict-bus/lb"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerConfigureTopic(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()

	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeTopic))
	assert.True(t, b.HasExchange(config.DefaultExchange))
	assert.False(t, b.HasQueue(config.DefaultQueueName))
	assert.Equal(t, config.DefaultExchange, p.Exchange())
}

func TestProducerConfigureDirect(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()

	require.NoError(t, p.Configure(config.DefaultExchange, amqp.ExchangeDirect))
	assert.True(t, b.HasQueue(config.DefaultQueueName))
	assert.True(t, b.IsBound(config.DefaultExchange, config.DefaultQueueName, config.DefaultRoutingKey))

	// the consumer side may declare the same topology first or second
	require.NoError(t, Setup(openConn(t, b).Channel(), Topology{
		Exchange:   config.DefaultExchange,
		Kind:       amqp.ExchangeDirect,
		Queue:      config.DefaultQueueName,
		RoutingKey: config.DefaultRoutingKey,
	}))
}

func TestProducerPublish(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{Queue: "q", RoutingKey: "k"})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeDirect))

	require.NoError(t, p.Publish(context.Background(), []byte("hello"), ""))
	assert.Equal(t, 1, b.QueueDepth("q"))

	c := NewConsumer(openConn(t, b), ConsumerOptions{})
	require.NoError(t, c.Configure("ex", amqp.ExchangeDirect, "q", "k"))
	got := make(chan *Message, 1)
	c.SetHandler(collect(got), true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConsumer(ctx, c)

	msg := recv(t, got)
	assert.Equal(t, []byte("hello"), msg.Body)
	assert.Equal(t, "k", msg.RoutingKey)
	assert.Equal(t, "ex", msg.Exchange)
	assert.NotEmpty(t, msg.Id)
	assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Minute)
}

func TestProducerPublishPersistent(t *testing.T) {
	ch := &recordingChannel{}
	p := &Producer{ch: ch, configured: true, topology: Topology{Exchange: "ex", Kind: amqp.ExchangeTopic}}

	require.NoError(t, p.Publish(context.Background(), []byte("x"), "a.b"))
	require.Len(t, ch.published, 1)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.NotEmpty(t, ch.published[0].MessageId)
}

func TestProducerPublishUnmatchedKeyIsDropped(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeTopic))
	require.NoError(t, Setup(openConn(t, b).Channel(), Topology{Exchange: "ex", Kind: amqp.ExchangeTopic, Queue: "qa", RoutingKey: "predict.*"}))

	assert.NoError(t, p.Publish(context.Background(), []byte("lost"), "other.key"))
	assert.Equal(t, 0, b.QueueDepth("qa"))

	assert.NoError(t, p.Publish(context.Background(), []byte("kept"), "predict.ner"))
	assert.Equal(t, 1, b.QueueDepth("qa"))
}

func TestProducerNotConfigured(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()

	assert.ErrorIs(t, p.Publish(context.Background(), []byte("x"), "k"), ErrNotConfigured)
	assert.ErrorIs(t, p.Configure("", amqp.ExchangeTopic), ErrNotConfigured)
	assert.ErrorIs(t, p.DeleteExchange(""), ErrNotConfigured)
}

func TestProducerPublishCancelledContext(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeDirect))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, []byte("x"), ""), context.Canceled)
	assert.Equal(t, 0, b.QueueDepth(config.DefaultQueueName))
}

func TestProducerDeleteExchange(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeTopic))
	require.NoError(t, Setup(openConn(t, b).Channel(), Topology{Exchange: "other", Kind: amqp.ExchangeTopic}))

	require.NoError(t, p.DeleteExchange("other"))
	assert.False(t, b.HasExchange("other"))
	assert.True(t, b.HasExchange("ex"))

	require.NoError(t, p.DeleteExchange(""))
	assert.False(t, b.HasExchange("ex"))
	assert.ErrorIs(t, p.Publish(context.Background(), []byte("x"), "k"), ErrNotConfigured)
}

func TestProducerClose(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	require.NoError(t, p.Configure("ex", amqp.ExchangeTopic))

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.True(t, p.IsClosed())
	assert.ErrorIs(t, p.Publish(context.Background(), []byte("x"), "k"), ErrProducerClosed)
	assert.ErrorIs(t, p.DeleteExchange(""), ErrProducerClosed)
	assert.ErrorIs(t, p.Configure("ex", amqp.ExchangeTopic), ErrProducerClosed)
}

func TestProducerPublishOnDeadChannel(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeTopic))

	b.DropConnections()
	assert.ErrorIs(t, p.Publish(context.Background(), []byte("x"), "k"), ErrChannelClosed)
}

func TestProducerChannelClosedByBroker(t *testing.T) {
	b := conntest.NewBroker()
	p := NewProducer(openConn(t, b), ProducerOptions{})
	defer p.Close()
	require.NoError(t, p.Configure("ex", amqp.ExchangeTopic))
	assert.False(t, p.IsClosed())

	require.NoError(t, openConn(t, b).Channel().ExchangeDelete("ex", false, false))
	// the broker answers asynchronously with a channel close, not an error
	require.NoError(t, p.Publish(context.Background(), []byte("x"), "k"))

	assert.True(t, p.IsClosed())
	assert.True(t, p.IsClosed())
	assert.ErrorIs(t, p.Publish(context.Background(), []byte("x"), "k"), ErrProducerClosed)
}

func TestProducerPoolReplacesChannelClosedByBroker(t *testing.T) {
	b := conntest.NewBroker()
	topology := Topology{Exchange: "ex", Kind: amqp.ExchangeTopic, Queue: "q", RoutingKey: "k"}
	require.NoError(t, Setup(openConn(t, b).Channel(), topology))

	pool := lb.NewLoadBalancer[*Producer](1, func(id int64) (*Producer, error) {
		p := NewProducer(openConn(t, b), ProducerOptions{})
		if err := p.Configure("ex", amqp.ExchangeTopic); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	})
	defer pool.RemoveAll(func(id int64, p *Producer) { p.Close() })
	publish := func(p *Producer) error { return p.Publish(context.Background(), []byte("x"), "k") }

	require.NoError(t, pool.Do(publish))
	assert.Equal(t, 1, b.QueueDepth("q"))

	require.NoError(t, openConn(t, b).Channel().ExchangeDelete("ex", false, false))
	require.NoError(t, pool.Do(publish))
	require.NoError(t, Setup(openConn(t, b).Channel(), topology))

	require.NoError(t, pool.Do(publish))
	assert.Equal(t, 2, b.QueueDepth("q"))

	item, err := pool.Get()
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.Id())
	assert.Equal(t, 1, pool.Len())
}

type recordingChannel struct {
	conntest.Channel
	published []amqp.Publishing
}

func (r *recordingChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	r.published = append(r.published, msg)
	return nil
}
