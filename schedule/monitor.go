package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DuC-cnZj/predict-bus/management"
	"github.com/DuC-cnZj/predict-bus/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const monitorLockName = "predict-bus queue monitor"

var queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "predict_bus",
	Name:      "queue_depth",
	Help:      "Messages waiting in a queue, -1 when the queue does not exist.",
}, []string{"vhost", "queue"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{queueDepth}
}

// DepthSource is the part of the management client the monitor needs.
type DepthSource interface {
	QueueDepth(ctx context.Context, vhost, queue string) (int, error)
	ListQueues(ctx context.Context) ([]management.QueueStat, error)
}

type MonitorOptions struct {
	Vhost      string
	Queues     []string
	MaxElapsed time.Duration

	// Locks is nil when only one replica runs.
	Locks LockFactory
	Cache DepthCache
	Store SnapshotStore

	NewBackOff func() backoff.BackOff
}

type Monitor struct {
	source DepthSource
	opts   MonitorOptions
}

func NewMonitor(source DepthSource, opts MonitorOptions) *Monitor {
	if opts.Vhost == "" {
		opts.Vhost = "/"
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.NewBackOff == nil {
		maxElapsed := opts.MaxElapsed
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsed
			return b
		}
	}

	return &Monitor{source: source, opts: opts}
}

// Job is the cron entry: it polls only when this replica holds the lock.
func (m *Monitor) Job(lockList *sync.Map) func() {
	return func() {
		if m.opts.Locks == nil {
			m.run()
			return
		}

		lock := m.opts.Locks(monitorLockName)
		if !lock.Acquire() {
			log.Debug("queue monitor: Acquire Fail!")
			return
		}
		lockList.Store(lock.Owner(), lock)
		defer func() {
			lockList.Delete(lock.Owner())
			lock.Release()
		}()

		m.run()
	}
}

func (m *Monitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.MaxElapsed*time.Duration(len(m.opts.Queues)+1))
	defer cancel()

	if _, err := m.Poll(ctx); err != nil {
		log.Error("queue monitor: ", err)
	}
}

// Poll samples every configured queue once and returns the samples of the
// queues that exist. A queue that keeps failing does not stop the others.
func (m *Monitor) Poll(ctx context.Context) ([]models.QueueSnapshot, error) {
	defer func(t time.Time) { log.Debugf("Monitor Poll %d queues %v.", len(m.opts.Queues), time.Since(t)) }(time.Now())

	var (
		errs      []error
		snapshots []models.QueueSnapshot
		consumers = m.consumers(ctx)
	)

	for _, queue := range m.opts.Queues {
		depth, err := m.depth(ctx, queue)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", queue, err))
			continue
		}

		queueDepth.WithLabelValues(m.opts.Vhost, queue).Set(float64(depth))
		if m.opts.Cache != nil {
			if err := m.opts.Cache.Set(ctx, m.opts.Vhost, queue, depth); err != nil {
				log.Warnf("cache depth of %s: %v", queue, err)
			}
		}

		if depth < 0 {
			log.Debugf("queue %s not created yet", queue)
			continue
		}

		s := models.QueueSnapshot{
			Vhost:     m.opts.Vhost,
			QueueName: queue,
			Depth:     depth,
			Consumers: consumers[queue],
		}
		if !s.Empty() && s.Consumers == 0 {
			log.Warnf("queue %s has %d messages and no consumer", queue, s.Depth)
		}
		if m.opts.Store != nil {
			if err := m.opts.Store.Save(ctx, &s); err != nil {
				errs = append(errs, fmt.Errorf("save snapshot of %s: %w", queue, err))
				continue
			}
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, errors.Join(errs...)
}

func (m *Monitor) depth(ctx context.Context, queue string) (int, error) {
	var depth int

	err := backoff.RetryNotify(func() error {
		var err error
		depth, err = m.source.QueueDepth(ctx, m.opts.Vhost, queue)
		return permanent(err)
	}, backoff.WithContext(m.opts.NewBackOff(), ctx), func(err error, next time.Duration) {
		log.Debugf("queue depth %s failed: %v, retry in %s", queue, err, next)
	})

	return depth, err
}

// permanent stops the retry on answers that will not change by asking again:
// client errors other than 404 and bodies that do not decode.
func permanent(err error) error {
	var (
		unavailable *management.UnavailableError
		decode      *management.DecodeError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &unavailable) && unavailable.StatusCode >= 400 && unavailable.StatusCode < 500 && unavailable.StatusCode != 404:
		return backoff.Permanent(err)
	case errors.As(err, &decode):
		return backoff.Permanent(err)
	}

	return err
}

// consumers is best effort, a failure only loses the consumer counts.
func (m *Monitor) consumers(ctx context.Context) map[string]int {
	counts := map[string]int{}
	queues, err := m.source.ListQueues(ctx)
	if err != nil {
		log.Warn("list queues: ", err)
		return counts
	}
	for _, q := range queues {
		if q.Vhost == m.opts.Vhost {
			counts[q.Name] = q.Consumers
		}
	}

	return counts
}
