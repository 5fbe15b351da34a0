package bootstrapers

import (
	"fmt"
	"time"

	"github.com/DuC-cnZj/predict-bus/adapter"
	"github.com/DuC-cnZj/predict-bus/config"
	"github.com/DuC-cnZj/predict-bus/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DBLoader struct {
}

func (d *DBLoader) Boot(app *App) {
	var (
		err error
		db  *gorm.DB
		cfg = app.cfg
	)
	if cfg.DBHost == "" {
		log.Warn("DB_HOST is empty, queue snapshots are not stored")
		return
	}

	dsn := DSN(cfg)
	log.Debug("mysql dsn: ", dsn)

	level := logger.Silent
	if cfg.Debug {
		level = logger.Info
	}
	db, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      adapter.GormLoggerAdapter{Level: level, SlowThreshold: 200 * time.Millisecond},
	})
	if err != nil {
		log.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal(err)
	}

	// SetMaxIdleConns 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxIdleConns(10)

	// SetMaxOpenConns 设置打开数据库连接的最大数量。
	sqlDB.SetMaxOpenConns(100)

	// SetConnMaxLifetime 设置了连接可复用的最大时间。
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err = db.AutoMigrate(&models.QueueSnapshot{}); err != nil {
		log.Fatal(err)
	}

	app.db = db
}

func DSN(cfg *config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", cfg.DBUsername, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBDatabase)
}
