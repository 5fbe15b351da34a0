package hub

import (
	"context"
	"testing"
	"time"

	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/DuC-cnZj/predict-bus/conn/conntest"
	"github.com/stretchr/testify/require"
)

func openConn(t *testing.T, b *conntest.Broker) *conn.Connection {
	t.Helper()
	c, err := conn.Open(config.Broker{Host: "127.0.0.1", Port: 5672, Username: "guest", Password: "guest", VirtualHost: "/", Heartbeat: 10 * time.Second}, conn.WithDialer(b.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

// runConsumer starts c.Run in the background and returns its result channel.
func runConsumer(ctx context.Context, c *Consumer) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	return nil
}

func recv(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return nil
}

func collect(ch chan<- *Message) Handler {
	return HandlerFunc(func(ctx context.Context, msg *Message) error {
		ch <- msg
		return nil
	})
}
