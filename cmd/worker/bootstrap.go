package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/workbeat/worker/internal/api"
	"github.com/workbeat/worker/internal/app"
	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/maintenance"
	"github.com/workbeat/worker/internal/messenger"
	"github.com/workbeat/worker/internal/notify"
	"github.com/workbeat/worker/internal/strategy"
	"github.com/workbeat/worker/internal/syncer"
	"github.com/workbeat/worker/internal/worker"
)

// runtimeStack bundles the long-lived services behind the HTTP server.
type runtimeStack struct {
	DB          *gorm.DB
	Store       *cache.Manager
	Engine      *strategy.Engine
	Hub         *messenger.Hub
	Cleaner     *maintenance.Cleaner
	Dispatcher  *notify.Dispatcher
	Coordinator *syncer.Coordinator
	Lifecycle   *worker.Lifecycle
	Router      *gin.Engine
}

// bootstrapRuntime initialises the cache store, strategy engine, page
// channel, sync coordinator and HTTP router, then runs the install and
// activate phases.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	partitions := cache.Partitions{
		Critical: cfg.Cache.Partitions.Critical,
		Static:   cfg.Cache.Partitions.Static,
		API:      cfg.Cache.Partitions.API,
		Runtime:  cfg.Cache.Partitions.Runtime,
	}

	stack.Store, err = cache.NewManager(stack.DB, partitions)
	if err != nil {
		return nil, fmt.Errorf("initialise cache store: %w", err)
	}

	fetcher := &cache.HTTPFetcher{
		Client: &http.Client{Timeout: cfg.Upstream.FetchTimeout},
		Origin: cfg.Upstream.Origin,
	}

	stack.Engine = strategy.NewEngine(stack.Store, fetcher)
	stack.Hub = messenger.NewHub()

	stack.Dispatcher, err = notify.NewDispatcher(stack.DB, stack.Hub)
	if err != nil {
		return nil, fmt.Errorf("initialise notification dispatcher: %w", err)
	}

	stack.Cleaner, err = maintenance.NewCleaner(stack.Store, cfg.Cache.APIMaxAge, cfg.Cache.RuntimeMaxEntries,
		maintenance.WithSchedule(cfg.Cache.CleanupSchedule))
	if err != nil {
		return nil, fmt.Errorf("initialise cache maintenance: %w", err)
	}
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start cache maintenance: %w", err)
	}

	stack.Coordinator, err = syncer.New(syncer.Config{
		AttendanceEndpoint: cfg.Upstream.AttendanceEndpoint,
		MessageTimeout:     cfg.Sync.MessageTimeout,
		MaxRetries:         cfg.Sync.MaxRetries,
		Notifications:      cfg.Sync.Notifications,
	}, stack.Hub, stack.Dispatcher, stack.Cleaner, &http.Client{Timeout: cfg.Upstream.FetchTimeout})
	if err != nil {
		return nil, fmt.Errorf("initialise sync coordinator: %w", err)
	}

	stack.Hub.SetControlHandler(controlHandler(ctx, stack, log))

	stack.Lifecycle, err = worker.NewLifecycle(stack.Store, fetcher, partitions,
		cfg.Cache.CriticalAssets, cfg.Cache.StaticAssets, stack.Cleaner)
	if err != nil {
		return nil, fmt.Errorf("initialise lifecycle: %w", err)
	}

	stack.Lifecycle.Install(ctx)
	if err := stack.Lifecycle.Activate(ctx); err != nil {
		return nil, fmt.Errorf("activate worker: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Deps{
		Engine:      stack.Engine,
		Hub:         stack.Hub,
		Coordinator: stack.Coordinator,
		Dispatcher:  stack.Dispatcher,
		Origin:      cfg.Upstream.Origin,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	success = true
	return stack, nil
}

// controlHandler reacts to page control messages that expect no reply.
func controlHandler(ctx context.Context, stack *runtimeStack, log *zap.Logger) messenger.ControlHandler {
	// control messages may arrive while the bootstrap context is winding down
	detached := context.WithoutCancel(ctx)
	return func(msgType string, data json.RawMessage) {
		switch msgType {
		case "skip-waiting":
			// single-process worker; nothing queued to replace
			log.Info("skip-waiting requested by page")
		case "clear-notifications":
			if err := stack.Dispatcher.ClearAll(detached); err != nil {
				log.Warn("clear-notifications failed", zap.Error(err))
			}
		case "update-badge":
			stack.Hub.Notify("badge-updated", data)
		default:
			log.Debug("unhandled control message", zap.String("type", msgType))
		}
	}
}

// Shutdown stops background work and closes the database. Safe to call on
// a partially initialised stack.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Engine != nil {
		s.Engine.Wait()
	}
	if s.Lifecycle != nil {
		s.Lifecycle.Wait()
	}

	if s.Cleaner != nil {
		// wait out any in-flight scheduled pass; cron cancels this
		// context once its jobs drain, so it must not drive the final pass
		<-s.Cleaner.Stop().Done()

		passCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.Cleaner.RunOnce(passCtx); err != nil {
			log.Warn("maintenance shutdown pass failed", zap.Error(err))
		}
		cancel()
	}

	closeDatabase(s.DB, log)
}
