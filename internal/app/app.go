// Package app assembles the board services, the realtime fan-out and the
// HTTP surface from runtime configuration.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/corkboard/internal/access"
	"github.com/MarcoPoloResearchLab/corkboard/internal/activity"
	"github.com/MarcoPoloResearchLab/corkboard/internal/auth"
	"github.com/MarcoPoloResearchLab/corkboard/internal/boards"
	"github.com/MarcoPoloResearchLab/corkboard/internal/config"
	"github.com/MarcoPoloResearchLab/corkboard/internal/realtime"
	"github.com/MarcoPoloResearchLab/corkboard/internal/server"
	"github.com/MarcoPoloResearchLab/corkboard/internal/users"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Options carries the already-opened resources the application runs on.
// A nil Redis client disables the activity log and the cross-instance relay.
type Options struct {
	Config     config.AppConfig
	Database   *gorm.DB
	Redis      *redis.Client
	InstanceID string
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// App is a wired instance of the service.
type App struct {
	Handler  http.Handler
	Registry *realtime.Registry
	relay    *realtime.RedisRelay
	activity *activity.Queue
	logger   *zap.Logger
}

// New wires every component. When Redis is configured the relay subscription
// is started before New returns.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Database == nil {
		return nil, errors.New("app: database is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.SessionIssuer,
		CookieName:    cfg.SessionCookieName,
	})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: opts.Database, Logger: logger})
	if err != nil {
		return nil, err
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: opts.Database, Logger: logger})
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(cfg.RealtimeBuffer)
	broadcaster, err := realtime.NewBroadcaster(realtime.BroadcasterConfig{Transport: hub, Logger: logger})
	if err != nil {
		return nil, err
	}
	registry, err := realtime.NewRegistry(realtime.RegistryConfig{
		Broadcaster: broadcaster,
		Profiles:    userService,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	var publisher boards.Publisher = broadcaster
	var recorder boards.Recorder
	var activityReader server.ActivityReader
	var relay *realtime.RedisRelay
	var activityQueue *activity.Queue
	if opts.Redis != nil {
		activityLog, err := activity.NewRedisLog(activity.Config{
			Client: opts.Redis,
			MaxLen: cfg.ActivityMaxLen,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		activityQueue, err = activity.NewQueue(activity.QueueConfig{Sink: activityLog, Logger: logger})
		if err != nil {
			return nil, err
		}
		recorder = activityQueue
		activityReader = activityLog

		relay, err = realtime.NewRedisRelay(realtime.RelayConfig{
			Client:     opts.Redis,
			Channel:    cfg.RelayChannel,
			InstanceID: opts.InstanceID,
			Local:      broadcaster,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		if err := relay.Start(ctx); err != nil {
			activityQueue.Close()
			return nil, err
		}
		publisher = relay
	}

	boardService, err := boards.NewService(boards.ServiceConfig{
		Database:    opts.Database,
		Authorizer:  accessService,
		Granter:     accessService,
		Publisher:   publisher,
		Recorder:    recorder,
		IDProvider:  boards.NewUUIDProvider(),
		Logger:      logger,
		Tracer:      opts.Tracer,
		MaxAttempts: cfg.MaxAttempts,
		RetryJitter: cfg.RetryJitter,
	})
	if err != nil {
		closeRelay(relay)
		closeActivity(activityQueue)
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          validator,
		Users:             userService,
		BoardsService:     boardService,
		Access:            accessService,
		Hub:               hub,
		Registry:          registry,
		Activity:          activityReader,
		SessionIDs:        boards.NewUUIDProvider(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		closeRelay(relay)
		closeActivity(activityQueue)
		return nil, err
	}

	return &App{Handler: handler, Registry: registry, relay: relay, activity: activityQueue, logger: logger}, nil
}

// Shutdown clears presence state, stops the relay and flushes pending
// activity writes. Call it after the HTTP server has stopped accepting
// requests.
func (a *App) Shutdown() {
	a.Registry.Shutdown()
	closeRelay(a.relay)
	closeActivity(a.activity)
	a.logger.Info("realtime state cleared")
}

func closeRelay(relay *realtime.RedisRelay) {
	if relay != nil {
		relay.Close()
	}
}

func closeActivity(queue *activity.Queue) {
	if queue != nil {
		queue.Close()
	}
}
