// Command chatroom is an example server built on the wsrouter stack: typed
// room join/leave/post messages, per-user rate limiting, a pluggable pub/sub
// backend and a Prometheus scrape endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/wsrouter/metrics"
	"github.com/adred-codev/wsrouter/pubsub"
	"github.com/adred-codev/wsrouter/ratelimit"
	"github.com/adred-codev/wsrouter/wsadapter"
	"github.com/adred-codev/wsrouter/wsrouter"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	logger := cfg.NewLogger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder()
	sampler, err := metrics.NewSystemSampler(recorder.Registry(), cfg.MetricsInterval, logger)
	if err != nil {
		return fmt.Errorf("system sampler: %w", err)
	}
	sampler.Start()
	defer sampler.Stop()

	driver, consumer, cleanup, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	router := wsrouter.New(wsrouter.Options{
		Logger:  logger,
		Metrics: recorder,
		Driver:  driver,
		Topics:  wsrouter.TopicOptions{MaxPerConnection: cfg.MaxTopicsPerConnection},
	})

	limiter, err := ratelimit.NewMemoryLimiter(ratelimit.Policy{
		Capacity:        cfg.RateCapacity,
		TokensPerSecond: cfg.RateRefillPerS,
	}, ratelimit.MemoryOptions{})
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}
	defer limiter.Close()
	router.Use(ratelimit.Middleware(limiter, ratelimit.MiddlewareOptions{}))

	registerHandlers(router)

	if consumer != nil {
		stopConsumer, err := consumer.Start(ctx, driver.DeliverLocal)
		if err != nil {
			return fmt.Errorf("start broker consumer: %w", err)
		}
		defer stopConsumer()
	}

	acceptLimiter := wsadapter.NewAcceptLimiter(wsadapter.AcceptLimiterConfig{
		IPBurst:     cfg.AcceptIPBurst,
		IPRate:      cfg.AcceptIPRate,
		GlobalBurst: cfg.AcceptGlobalBurst,
		GlobalRate:  cfg.AcceptGlobalRate,
		Logger:      logger,
	})
	defer acceptLimiter.Stop()

	handler := wsadapter.NewHandler(wsadapter.Options{
		Router:        router,
		Authenticate:  authenticate,
		AcceptLimiter: acceptLimiter,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("backend", cfg.Backend).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("WebSocket drain incomplete")
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildBackend wires the configured pub/sub driver and, for federated
// backends, its broker consumer. cleanup tears down the broker connection.
func buildBackend(cfg *Config, logger zerolog.Logger) (pubsub.Driver, pubsub.Consumer, func(), error) {
	switch cfg.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse WS_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		driver := pubsub.NewRedisDriver(pubsub.RedisOptions{Client: client, Logger: logger})
		consumer := pubsub.NewRedisConsumer(pubsub.RedisConsumerOptions{Client: client, Logger: logger})
		return driver, consumer, func() { _ = client.Close() }, nil

	case "nats":
		conn, err := pubsub.ConnectNATS(pubsub.NATSConnConfig{URL: cfg.NATSURL}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		driver := pubsub.NewNATSDriver(pubsub.NATSOptions{Conn: conn, Logger: logger})
		consumer := pubsub.NewNATSConsumer(pubsub.NATSConsumerOptions{Conn: conn, Logger: logger})
		return driver, consumer, func() { conn.Close() }, nil

	default:
		driver := pubsub.NewMemoryDriver(pubsub.MemoryOptions{Logger: logger})
		return driver, nil, func() {}, nil
	}
}

// authenticate derives the client identity from the access_token query
// parameter. The example treats the token itself as the user id; a real
// deployment verifies a signed token here.
func authenticate(r *http.Request) (wsrouter.AuthResult, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		// Anonymous connections get a generated clientId.
		return wsrouter.AuthResult{}, nil
	}
	return wsrouter.AuthResult{
		ClientID: token,
		Data:     map[string]any{"authenticated": true},
	}, nil
}
