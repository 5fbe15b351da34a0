package adapter

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormLoggerAdapter sends gorm logs to logrus. Statements slower than
// SlowThreshold are logged as warnings.
type GormLoggerAdapter struct {
	Level         logger.LogLevel
	SlowThreshold time.Duration
}

var _ logger.Interface = GormLoggerAdapter{}

func (g GormLoggerAdapter) LogMode(level logger.LogLevel) logger.Interface {
	g.Level = level
	return g
}

func (g GormLoggerAdapter) Info(ctx context.Context, s string, i ...interface{}) {
	if g.Level >= logger.Info {
		log.WithContext(ctx).WithField("data", i).Info(s)
	}
}

func (g GormLoggerAdapter) Warn(ctx context.Context, s string, i ...interface{}) {
	if g.Level >= logger.Warn {
		log.WithContext(ctx).WithField("data", i).Warning(s)
	}
}

func (g GormLoggerAdapter) Error(ctx context.Context, s string, i ...interface{}) {
	if g.Level >= logger.Error {
		log.WithContext(ctx).WithField("data", i).Error(s)
	}
}

func (g GormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.Level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rowsAffected := fc()
	entry := log.WithContext(ctx).WithFields(log.Fields{
		"elapsed":      elapsed,
		"rowsAffected": rowsAffected,
	})

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.Level >= logger.Error:
		entry.WithError(err).Error(sql)
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold && g.Level >= logger.Warn:
		entry.Warnf("slow sql >= %v: %s", g.SlowThreshold, sql)
	case g.Level >= logger.Info:
		entry.Debug(sql)
	}
}
