package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DuC-cnZj/predict-bus/bootstrapers"
	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/DuC-cnZj/predict-bus/lb"
	"github.com/DuC-cnZj/predict-bus/rpc"
	"github.com/DuC-cnZj/predict-bus/schedule"
	"github.com/DuC-cnZj/predict-bus/web"
	"github.com/cenkalti/backoff/v4"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var serveProducerNum int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run predict bus server",
	PreRun: func(cmd *cobra.Command, args []string) {
		app.Bootstrapers = append(app.Bootstrapers, &bootstrapers.RedisLoader{}, &bootstrapers.DBLoader{})
		app.Boot()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cfg := app.Config()
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		defer app.Shutdown()

		pool := lb.NewLoadBalancer[*hub.Producer](int64(serveProducerNum), func(id int64) (*hub.Producer, error) {
			c, err := openConn("serve")
			if err != nil {
				return nil, err
			}
			p := hub.NewProducer(c, hub.ProducerOptions{Queue: cfg.QueueName, RoutingKey: cfg.RoutingKey})
			if err = p.Configure(cfg.Exchange, cfg.ExchangeType); err != nil {
				p.Close()
				return nil, err
			}
			return p, nil
		})
		defer pool.RemoveAll(func(id int64, p *hub.Producer) { p.Close() })

		mgmt := newManagement()
		var (
			cache     *schedule.RedisDepthCache
			locks     schedule.LockFactory
			snapshots *schedule.GormSnapshotStore
		)
		if app.Redis() != nil {
			cache = schedule.NewRedisDepthCache(app.Redis(), 10*time.Minute)
			locks = schedule.DLMLocks(app.Redis(), cfg.DLMExpiration)
		}
		if app.DB() != nil {
			snapshots = schedule.NewGormSnapshotStore(app.DB())
		}

		deps := web.Deps{Producers: pool, Management: mgmt}
		monitorOpts := schedule.MonitorOptions{Vhost: cfg.MonitorVhost, Queues: cfg.MonitorQueues, MaxElapsed: cfg.MonitorMaxElapsed}
		if cache != nil {
			deps.Cache = cache
			monitorOpts.Cache = cache
			monitorOpts.Locks = locks
		}
		if snapshots != nil {
			deps.Snapshots = snapshots
			monitorOpts.Store = snapshots
		}

		monitor := schedule.NewMonitor(mgmt, monitorOpts)
		cr := schedule.NewSchedule(schedule.CronJob{
			Name:    "queue monitor",
			Spec:    cfg.MonitorSpec,
			Cmd:     monitor.Job,
			Enabled: cfg.MonitorEnabled && len(cfg.MonitorQueues) > 0,
		})
		cr.Run()
		defer cr.Stop()

		var alive atomic.Bool
		health := rpc.NewHealthServer()
		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			watchBroker(ctx, &alive)
			return nil
		})
		g.Go(func() error {
			health.Track(ctx, 5*time.Second, alive.Load)
			return nil
		})
		g.Go(func() error {
			return runHttp(ctx, web.New(deps), cfg.HttpPort)
		})
		g.Go(func() error {
			return runRpc(ctx, rpc.NewServer(health), cfg.RpcPort)
		})
		g.Go(func() error {
			return runMetrics(ctx, cfg.MetricsPort)
		})

		if err := g.Wait(); err != nil {
			log.Error(err)
		}
		log.Info("server shutdown...")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&serveProducerNum, "producerNum", "p", 4, "--producerNum/-p 4")
}

// watchBroker keeps a connection open and reports whether it is up.
func watchBroker(ctx context.Context, alive *atomic.Bool) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	for {
		c, err := conn.Redial(ctx, app.Config().Broker, b, conn.WithName("predict-bus health"))
		if err != nil {
			alive.Store(false)
			if ctx.Err() == nil {
				log.Error("broker health: ", err)
			}
			return
		}
		alive.Store(true)

		select {
		case <-ctx.Done():
			c.Close()
			alive.Store(false)
			return
		case reason := <-c.Done():
			alive.Store(false)
			log.Warn("broker connection lost: ", reason)
			c.Close()
		}
	}
}

func runHttp(ctx context.Context, server *fiber.App, port string) error {
	if port == "" {
		return errors.New("HttpPort required")
	}
	go func() {
		<-ctx.Done()
		if err := server.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error("http shutdown: ", err)
		}
	}()
	log.Warnf("http server running at %s", port)

	return server.Listen(":" + port)
}

func runRpc(ctx context.Context, server *grpc.Server, port string) error {
	if port == "" {
		return errors.New("RpcPort required")
	}
	listen, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()
	log.Warnf("rpc running at %s", port)

	return server.Serve(listen)
}

// newMetricsRegistry collects the bus counters, the queue depth gauge and
// the process metrics.
func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(hub.Collectors()...)
	reg.MustRegister(schedule.Collectors()...)

	return reg
}

func runMetrics(ctx context.Context, port string) error {
	if port == "" {
		log.Warn("MetricsPort is empty, metrics are disabled")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(newMetricsRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.Warnf("metrics running at %s", port)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
