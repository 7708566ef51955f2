// Command tokengate serves the protected API. It verifies the caller's
// bearer token, obtains a service token with the client-credentials grant,
// and calls the resource API on the caller's behalf.
//
// Configuration comes from the environment, optionally layered over the
// YAML or JSON file named by TOKENGATE_CONFIG. See gateway.Config for the
// variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/StricklySoft/tokengate/pkg/auth"
	"github.com/StricklySoft/tokengate/pkg/config"
	"github.com/StricklySoft/tokengate/pkg/downstream"
	sserr "github.com/StricklySoft/tokengate/pkg/errors"
	"github.com/StricklySoft/tokengate/pkg/gateway"
	"github.com/StricklySoft/tokengate/pkg/keyset"
	"github.com/StricklySoft/tokengate/pkg/metrics"
	"github.com/StricklySoft/tokengate/pkg/servicetoken"
)

func main() {
	cfg := config.MustLoad[gateway.Config](
		config.New().WithFile(os.Getenv("TOKENGATE_CONFIG")),
	)

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tokengate: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tokengate stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg gateway.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg gateway.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.DefaultNamespace, registry)

	tp, err := gateway.NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	gateway.InstallTracing(tp)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn("trace flush failed", zap.Error(err))
		}
	}()

	ksCfg := cfg.KeySetConfig()
	ksCfg.Logger, ksCfg.Metrics = logger, m
	keys, err := keyset.New(ksCfg)
	if err != nil {
		return err
	}

	policy, err := auth.NewPolicy(cfg.PolicyConfig())
	if err != nil {
		return err
	}
	verifier := auth.NewVerifier(keys, auth.WithLogger(logger), auth.WithMetrics(m))

	brokerCfg := cfg.BrokerConfig()
	brokerCfg.Logger, brokerCfg.Metrics = logger, m
	if cfg.ServiceToken.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.ServiceToken.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		brokerCfg.Store = servicetoken.NewRedisStore(rdb, cfg.ServiceToken.RedisKeyPrefix)
		logger.Info("shared service token store enabled")
	}
	broker, err := servicetoken.New(brokerCfg)
	if err != nil {
		return err
	}

	dsCfg := cfg.DownstreamClientConfig()
	dsCfg.Logger, dsCfg.Metrics = logger, m
	api, err := downstream.New(dsCfg)
	if err != nil {
		return err
	}

	router := gateway.NewRouter(gateway.RouterConfig{
		Verifier: verifier,
		Policy:   policy,
		Handler:  gateway.NewHandler(broker, api, cfg.Scope(), cfg.DownstreamRequest(), logger),
		Gatherer: registry,
		Metrics:  m,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tokengate listening",
			zap.Int("port", cfg.Port),
			zap.String("scope", cfg.Scope()),
			zap.String("token_url", cfg.TokenURL()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func connectRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "redis: failed to parse REDIS_URL")
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailable, "redis: failed to connect to server")
	}
	return rdb, nil
}
