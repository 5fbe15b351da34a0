package web

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/DuC-cnZj/predict-bus/hub"
	"github.com/DuC-cnZj/predict-bus/management"
	"github.com/DuC-cnZj/predict-bus/models"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	json "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Publisher runs fn with a producer nobody else is using, *lb.LoadBalancer does.
type Publisher interface {
	Do(fn func(*hub.Producer) error) error
}

type QueueSource interface {
	ListQueues(ctx context.Context) ([]management.QueueStat, error)
	QueueDepth(ctx context.Context, vhost, queue string) (int, error)
}

type DepthCache interface {
	Get(ctx context.Context, vhost, queue string) (int, error)
}

type SnapshotFinder interface {
	Latest(ctx context.Context, vhost, queue string) (*models.QueueSnapshot, error)
}

// Deps are the backends of the routes. Cache and Snapshots are optional.
type Deps struct {
	Producers  Publisher
	Management QueueSource
	Cache      DepthCache
	Snapshots  SnapshotFinder
}

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type depth struct {
	Vhost  string `json:"vhost"`
	Queue  string `json:"queue"`
	Depth  int    `json:"depth"`
	Cached bool   `json:"cached"`
}

type published struct {
	RoutingKey string `json:"routing_key"`
	Bytes      int    `json:"bytes"`
}

func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          errorHandler,
	})

	app.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.JSON(response{Success: true})
	})

	app.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.SendString("pong")
	})

	app.Get("/queues", func(ctx *fiber.Ctx) error {
		queues, err := d.Management.ListQueues(ctx.UserContext())
		if err != nil {
			return err
		}

		return ctx.JSON(response{Success: true, Data: queues})
	})

	app.Get("/depth/:vhost/:queue", func(ctx *fiber.Ctx) error {
		vhost, queue, err := queueParams(ctx)
		if err != nil {
			return err
		}

		if d.Cache != nil {
			n, err := d.Cache.Get(ctx.UserContext(), vhost, queue)
			if err == nil {
				return ctx.JSON(response{Success: true, Data: depth{Vhost: vhost, Queue: queue, Depth: n, Cached: true}})
			}
			if !errors.Is(err, redis.Nil) {
				log.Warnf("depth cache %s: %v", queue, err)
			}
		}

		n, err := d.Management.QueueDepth(ctx.UserContext(), vhost, queue)
		if err != nil {
			return err
		}

		return ctx.JSON(response{Success: true, Data: depth{Vhost: vhost, Queue: queue, Depth: n}})
	})

	app.Get("/snapshots/:vhost/:queue", func(ctx *fiber.Ctx) error {
		if d.Snapshots == nil {
			return fiber.NewError(fiber.StatusNotImplemented, "snapshots are not stored")
		}
		vhost, queue, err := queueParams(ctx)
		if err != nil {
			return err
		}
		s, err := d.Snapshots.Latest(ctx.UserContext(), vhost, queue)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "no snapshot of "+queue)
		}
		if err != nil {
			return err
		}

		return ctx.JSON(response{Success: true, Data: s})
	})

	app.Post("/publish/:routingKey", func(ctx *fiber.Ctx) error {
		defer func(t time.Time) { log.Debugf("web publish %v.", time.Since(t)) }(time.Now())

		if d.Producers == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "server unavailable")
		}
		key, err := url.PathUnescape(ctx.Params("routingKey"))
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		// fiber reuses the request buffer once the handler returns.
		payload := append([]byte(nil), ctx.Body()...)

		if err = d.Producers.Do(func(p *hub.Producer) error {
			return p.Publish(ctx.UserContext(), payload, key)
		}); err != nil {
			return err
		}

		return ctx.Status(fiber.StatusAccepted).JSON(response{Success: true, Data: published{RoutingKey: key, Bytes: len(payload)}})
	})

	return app
}

// queueParams unescapes the path params, the default vhost is sent as %2F.
func queueParams(ctx *fiber.Ctx) (string, string, error) {
	vhost, err := url.PathUnescape(ctx.Params("vhost"))
	if err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	queue, err := url.PathUnescape(ctx.Params("queue"))
	if err != nil {
		return "", "", fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	return vhost, queue, nil
}

func errorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var (
		fe *fiber.Error
		ue *management.UnavailableError
	)
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.As(err, &ue):
		code = fiber.StatusBadGateway
	case errors.Is(err, hub.ErrProducerClosed), errors.Is(err, hub.ErrChannelClosed), errors.Is(err, hub.ErrNotConfigured):
		code = fiber.StatusServiceUnavailable
	}
	if code >= fiber.StatusInternalServerError {
		log.Errorf("http %s %s: %v", ctx.Method(), ctx.Path(), err)
	}

	return ctx.Status(code).JSON(response{Success: false, Error: err.Error()})
}
