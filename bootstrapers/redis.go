package bootstrapers

import (
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

type RedisLoader struct {
}

func (r *RedisLoader) Boot(app *App) {
	cfg := app.cfg
	if cfg.RedisAddr == "" {
		log.Warn("RedisAddr is empty, distributed locks and depth cache are disabled")
		return
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
