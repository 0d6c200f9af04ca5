// Command worker runs the notification pipeline: the notification worker,
// the event worker, and the admin HTTP API, all sharing one queue storage.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fanvote/notifier/pkg/admin"
	"github.com/fanvote/notifier/pkg/bus"
	"github.com/fanvote/notifier/pkg/config"
	"github.com/fanvote/notifier/pkg/email"
	"github.com/fanvote/notifier/pkg/httpserver"
	"github.com/fanvote/notifier/pkg/logger"
	"github.com/fanvote/notifier/pkg/notify"
	"github.com/fanvote/notifier/pkg/pg"
	"github.com/fanvote/notifier/pkg/queue"
	"github.com/fanvote/notifier/pkg/redis"
)

type appConfig struct {
	AppName string `env:"APP_NAME" envDefault:"fanvote-notifier"`
	AppEnv  string `env:"APP_ENV" envDefault:"development"`

	// StorageDriver selects the queue backend: memory, redis, or postgres.
	StorageDriver string `env:"QUEUE_STORAGE_DRIVER" envDefault:"memory"`

	SendGap time.Duration `env:"NOTIFY_SEND_GAP" envDefault:"3s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return err
	}
	var queueCfg queue.Config
	if err := config.Load(&queueCfg); err != nil {
		return err
	}
	var emailCfg email.Config
	if err := config.Load(&emailCfg); err != nil {
		return err
	}
	var httpCfg httpserver.Config
	if err := config.Load(&httpCfg); err != nil {
		return err
	}

	log := logger.FromConfig(logCfg, cfg.AppName)
	slog.SetDefault(log)

	storage, checks, cleanup, err := openStorage(ctx, cfg.StorageDriver, log)
	if err != nil {
		return err
	}
	defer cleanup()

	sender, err := openSender(cfg, emailCfg)
	if err != nil {
		return err
	}

	dlq, err := queue.NewDeadLetterStore(storage, log)
	if err != nil {
		return err
	}

	eventBus, err := bus.New(storage, bus.WithLogger(log))
	if err != nil {
		return err
	}

	svc, err := notify.NewService(storage, eventBus, notify.WithServiceLogger(log))
	if err != nil {
		return err
	}
	if err := notify.RegisterDefaultHandlers(eventBus, svc); err != nil {
		return err
	}

	dispatcher, err := notify.NewDispatcher(sender, notify.NewStaticRenderer(cfg.AppName),
		notify.WithSendGap(cfg.SendGap),
		notify.WithDispatcherLogger(log),
	)
	if err != nil {
		return err
	}

	notificationWorker, err := notify.NewWorker(storage, dispatcher,
		queue.WithPullInterval(queueCfg.PullInterval),
		queue.WithLockTimeout(queueCfg.LockTimeout),
		queue.WithMaxConcurrentJobs(queueCfg.MaxConcurrentJobs),
		queue.WithDeadLetterStore(dlq),
		queue.WithWorkerLogger(log),
	)
	if err != nil {
		return err
	}

	eventWorker, err := bus.NewEventWorker(storage, eventBus,
		queue.WithPullInterval(queueCfg.PullInterval),
		queue.WithLockTimeout(queueCfg.LockTimeout),
		queue.WithDeadLetterStore(dlq),
		queue.WithWorkerLogger(log),
	)
	if err != nil {
		return err
	}

	adminOpts := []admin.Option{
		admin.WithDeadLetterStore(dlq),
		admin.WithBus(eventBus),
		admin.WithLogger(log),
	}
	for name, check := range checks {
		adminOpts = append(adminOpts, admin.WithHealthcheck(name, check))
	}
	adminHandler, err := admin.NewHandler(storage, adminOpts...)
	if err != nil {
		return err
	}

	srv := httpserver.New(httpCfg, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(notificationWorker.Run(ctx))
	g.Go(eventWorker.Run(ctx))
	g.Go(func() error {
		return srv.Run(ctx, adminHandler.Router())
	})

	log.Info("notification pipeline started",
		slog.String("storage", cfg.StorageDriver),
		slog.String("env", cfg.AppEnv))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("notification pipeline stopped")
	return nil
}

// openStorage builds the queue storage for the configured driver and
// returns it with its healthchecks and a cleanup function.
func openStorage(ctx context.Context, driver string, log *slog.Logger) (queue.Storage, map[string]admin.HealthcheckFunc, func(), error) {
	switch driver {
	case "memory":
		mem := queue.NewMemoryStorage()
		return mem, nil, func() { mem.Close() }, nil

	case "redis":
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return nil, nil, nil, err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		storage, err := queue.NewRedisStorage(client)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		checks := map[string]admin.HealthcheckFunc{"redis": redis.Healthcheck(client)}
		return storage, checks, func() { _ = client.Close() }, nil

	case "postgres":
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return nil, nil, nil, err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := pg.Migrate(ctx, pool, pgCfg, queue.Migrations, log); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		storage, err := queue.NewPostgresStorage(pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		checks := map[string]admin.HealthcheckFunc{"postgres": pg.Healthcheck(pool)}
		return storage, checks, func() { pool.Close() }, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown storage driver %q: must be memory, redis, or postgres", driver)
}

// openSender picks the delivery transport: Postmark when a server token is
// configured, the filesystem dev sender otherwise.
func openSender(cfg appConfig, emailCfg email.Config) (email.Sender, error) {
	if emailCfg.PostmarkServerToken != "" {
		return email.NewPostmarkSender(emailCfg)
	}
	if cfg.AppEnv == "production" {
		return nil, errors.New("production requires a configured email provider")
	}
	return email.NewDevSender(emailCfg.DevOutputDir), nil
}
