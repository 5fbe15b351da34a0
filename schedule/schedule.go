package schedule

import (
	"sync"

	"github.com/DuC-cnZj/predict-bus/adapter"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

type Interface interface {
	Run() int
	Stop()
}

// CronJob builds the cron func once. Locks the job acquires go into lockList
// so Stop can release them.
type CronJob struct {
	Name    string
	Spec    string
	Cmd     func(lockList *sync.Map) func()
	Enabled bool
}

type Schedule struct {
	lockList *sync.Map
	cron     *cron.Cron
	jobs     []CronJob
}

var _ Interface = (*Schedule)(nil)

func NewSchedule(jobs ...CronJob) *Schedule {
	return &Schedule{
		jobs:     jobs,
		lockList: &sync.Map{},
		cron: cron.New(cron.WithChain(
			cron.Recover(&adapter.CronLoggerAdapter{}),
		)),
	}
}

// Run registers the enabled jobs, starts the cron and returns how many jobs run.
func (s *Schedule) Run() int {
	num := 0
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if _, err := s.cron.AddFunc(job.Spec, job.Cmd(s.lockList)); err != nil {
			log.Errorf("cron job %s spec %q: %v", job.Name, job.Spec, err)
			continue
		}
		log.Infof("cron job %s scheduled %s", job.Name, job.Spec)
		num++
	}

	s.cron.Start()
	log.Infof("cron started with %d jobs", num)

	return num
}

// Stop waits for running jobs and then force releases the locks they still hold.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()

	s.lockList.Range(func(key, value interface{}) bool {
		l := value.(Lock)
		log.Debug("Release: ", l.Owner())
		l.ForceRelease()
		return true
	})

	log.Warn("cron stopped")
}
