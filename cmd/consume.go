package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/DuC-cnZj/predict-bus/task"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	consumerNum int
	manualAck   bool
	execCommand string
	execTimeout time.Duration
	execRetries int
)

func restartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	return b
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "开启一个/多个消费者消费",
	PreRun: func(cmd *cobra.Command, args []string) {
		if consumerNum <= 0 {
			log.Fatal("error num.")
		}
		app.Boot()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := app.Config()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		handler := hub.Handler(hub.HandlerFunc(func(ctx context.Context, msg *hub.Message) error {
			log.Infof("[%s] %s: %s", msg.Queue, msg.RoutingKey, msg.Body)
			return nil
		}))
		if execCommand != "" {
			fields := strings.Fields(execCommand)
			handler = &task.ExecHandler{Name: fields[0], Args: fields[1:], Timeout: execTimeout, Retries: execRetries}
		}
		handler = hub.WithTracing(handler)

		autoAck := cfg.AutoAck && !manualAck
		manager := hub.NewConsumerManager()
		dial := func(ctx context.Context) (*conn.Connection, error) {
			return conn.Redial(ctx, cfg.Broker, restartBackoff(), conn.WithName("predict-bus consume"))
		}
		configure := func(c *hub.Consumer) error {
			if err := c.Configure(cfg.Exchange, cfg.ExchangeType, cfg.QueueName, cfg.RoutingKey); err != nil {
				return err
			}
			c.SetHandler(handler, autoAck)
			return nil
		}

		log.Infof("consumer num: %d queue %s auto ack %t", consumerNum, cfg.QueueName, autoAck)
		wg := sync.WaitGroup{}
		for i := 0; i < consumerNum; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := supervise(ctx, manager, dial, configure, restartBackoff()); err != nil {
					log.Error(err)
					cancel()
				}
			}()
		}

		<-ctx.Done()
		manager.CloseAll()
		wg.Wait()
		log.Println("shutdown...")
	},
}

// supervise keeps one consumer running until ctx is done, reconnecting when
// the broker drops the channel and restarting after handler failures. Only a
// declare conflict or a dial that gives up ends it with an error.
func supervise(ctx context.Context, manager *hub.ConsumerManager, dial func(context.Context) (*conn.Connection, error), configure func(*hub.Consumer) error, b backoff.BackOff) error {
	for {
		c, err := dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		consumer := hub.NewConsumer(c, hub.ConsumerOptions{})
		if err = configure(consumer); err != nil {
			consumer.Close()
			var conflict *hub.DeclareConflictError
			if errors.As(err, &conflict) {
				return err
			}
		} else {
			err = manager.Run(ctx, consumer)
			consumer.Close()
		}

		if ctx.Err() != nil {
			return nil
		}

		var handlerErr *hub.HandlerError
		switch {
		case err == nil:
			b.Reset()
		case errors.As(err, &handlerErr):
			log.Errorf("consumer %s: %v", consumer.Tag(), err)
		default:
			log.Warnf("consumer %s stopped: %v", consumer.Tag(), err)
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(next):
		}
	}
}

func init() {
	rootCmd.AddCommand(consumeCmd)

	consumeCmd.Flags().IntVarP(&consumerNum, "consumerNum", "c", 1, "--consumerNum/-c 10")
	consumeCmd.Flags().BoolVar(&manualAck, "manual-ack", false, "--manual-ack, ack after the handler returns")
	consumeCmd.Flags().StringVar(&execCommand, "exec", "", `--exec "python3 predict.py", payload goes to stdin`)
	consumeCmd.Flags().DurationVar(&execTimeout, "exec-timeout", 0, "--exec-timeout 10m")
	consumeCmd.Flags().IntVar(&execRetries, "exec-retries", 0, "--exec-retries 3")
}
