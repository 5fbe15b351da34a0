package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/DuC-cnZj/predict-bus/lb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	producerNum int
	publishKey  string
)

var publishCmd = &cobra.Command{
	Use:   "publish [payload...]",
	Short: "推送消息, 没有参数时逐行读取 stdin",
	PreRun: func(cmd *cobra.Command, args []string) {
		if producerNum <= 0 {
			log.Fatal("error num.")
		}
		app.Boot()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := app.Config()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		pool := lb.NewLoadBalancer[*hub.Producer](int64(producerNum), func(id int64) (*hub.Producer, error) {
			c, err := openConn("publish")
			if err != nil {
				return nil, err
			}
			p := hub.NewProducer(c, hub.ProducerOptions{Queue: cfg.QueueName, RoutingKey: cfg.RoutingKey})
			if err = p.Configure(cfg.Exchange, cfg.ExchangeType); err != nil {
				p.Close()
				return nil, err
			}
			log.Debugf("producer %d ready", id)
			return p, nil
		})
		defer pool.RemoveAll(func(id int64, p *hub.Producer) { p.Close() })

		payloads := make(chan []byte)
		readErr := make(chan error, 1)
		go func() { readErr <- readPayloads(ctx, os.Stdin, args, payloads) }()

		total, start := 0, time.Now()
		g := new(errgroup.Group)
		g.SetLimit(producerNum)
		for payload := range payloads {
			if ctx.Err() != nil {
				break
			}
			payload := payload
			total++
			g.Go(func() error {
				return pool.Do(func(p *hub.Producer) error {
					return p.Publish(ctx, payload, publishKey)
				})
			})
		}
		if err := g.Wait(); err != nil {
			log.Fatal(err)
		}
		if err := <-readErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("read payloads: ", err)
		}
		log.Infof("published %d messages to %s in %s", total, cfg.Exchange, time.Since(start))
	},
}

// maxPayloadLine bounds a single stdin line.
const maxPayloadLine = 16 << 20

// readPayloads sends args, or every line of r when args is empty, to out and
// closes it. It stops early when ctx is done.
func readPayloads(ctx context.Context, r io.Reader, args []string, out chan<- []byte) error {
	defer close(out)

	send := func(p []byte) error {
		select {
		case out <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if len(args) > 0 {
		for _, a := range args {
			if err := send([]byte(a)); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxPayloadLine)
	for scanner.Scan() {
		if err := send(append([]byte(nil), scanner.Bytes()...)); err != nil {
			return err
		}
	}

	return scanner.Err()
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().IntVarP(&producerNum, "producerNum", "p", 1, "--producerNum/-p 10")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "--key predict.ner.cn, defaults to --routing-key")
}
