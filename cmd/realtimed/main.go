// Command realtimed runs the realtime session layer as a standalone
// service: a websocket endpoint for clients and a side listener for
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	realtime "github.com/brandcanvas/realtime"
	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/broker"
	"github.com/brandcanvas/realtime/config"
	"github.com/brandcanvas/realtime/gateway"
	"github.com/brandcanvas/realtime/resume"
	"github.com/brandcanvas/realtime/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("configuration", zap.Error(err))
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("realtimed exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "realtimed")
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	metrics := telemetry.New()

	var (
		bridge broker.Bridge
		store  resume.Store
	)
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(redisOpts)
		defer func() { _ = client.Close() }()

		bridge = broker.NewRedis(broker.RedisOptions{
			Client:     client,
			InstanceID: cfg.InstanceID,
			Logger:     log,
			Metrics:    metrics,
		})
		store = resume.NewRedis(resume.RedisOptions{
			Client: client,
			Window: cfg.ResumeWindow.Std(),
		})
		log.Info("using shared redis broker and resumption store",
			zap.String("instance_id", cfg.InstanceID))
	} else {
		log.Warn("no redis configured, running single-instance with in-memory resumption")
	}

	server, err := realtime.New(realtime.Options{
		Logger:     log,
		Metrics:    metrics,
		Validator:  auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		Authorizer: auth.AllowAll(),
		Bridge:     bridge,
		Store:      store,
		Gateway: gateway.Config{
			MaxPayload:         cfg.MaxPayload,
			RateLimitPerSecond: cfg.RateLimitPerSecond,
			QueueDepth:         cfg.QueueDepth,
			HistoryLimit:       cfg.HistoryLimit,
			HeartbeatInterval:  cfg.HeartbeatInterval.Std(),
			HeartbeatMisses:    cfg.HeartbeatMisses,
		},
		ResumeWindow: cfg.ResumeWindow.Std(),
	})
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadBufferSize:        8192,
	})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	server.Mount(app, cfg.Path)

	errCh := make(chan error, 2)
	go func() {
		log.Info("websocket endpoint listening",
			zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
		errCh <- app.Listen(cfg.Addr)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	_ = app.ShutdownWithContext(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", zap.Error(err))
	}
	log.Info("realtimed stopped")
	return nil
}
