package bootstrapers

import (
	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Boot interface {
	Boot(app *App)
}

type AppInterface interface {
	Boot()
	DB() *gorm.DB
	Config() *config.Config
	Redis() *redis.Client
	Shutdown()
}

type App struct {
	cfg          *config.Config
	redis        *redis.Client
	db           *gorm.DB
	Bootstrapers []Boot
}

var _ AppInterface = (*App)(nil)

func NewApp(bootstrapers ...Boot) *App {
	return &App{Bootstrapers: bootstrapers}
}

func (app *App) Boot() {
	for _, bootstraper := range app.Bootstrapers {
		bootstraper.Boot(app)
	}
}

// DB is nil unless the DBLoader ran with a database configured.
func (app *App) DB() *gorm.DB {
	return app.db
}

// Redis is nil unless the RedisLoader ran with an address configured.
func (app *App) Redis() *redis.Client {
	return app.redis
}

func (app *App) Config() *config.Config {
	return app.cfg
}

func (app *App) Shutdown() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			log.Warn("close redis: ", err)
		}
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	log.Debug("app shutdown")
}
