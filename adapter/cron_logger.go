package adapter

import (
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// CronLoggerAdapter sends cron's own logs (panics caught by cron.Recover
// among them) to logrus.
type CronLoggerAdapter struct {
}

var _ cron.Logger = (*CronLoggerAdapter)(nil)

func (c *CronLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (c *CronLoggerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	log.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) log.Fields {
	f := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if k, ok := keysAndValues[i].(string); ok {
			f[k] = keysAndValues[i+1]
		}
	}
	if len(keysAndValues)%2 == 1 {
		f["extra"] = keysAndValues[len(keysAndValues)-1]
	}

	return f
}
