// Command quizcore runs the storage and resilience core as a standalone
// process: the cache facade (C3), durable store facade (C4), pending
// write queue (C5), answer batcher (C6), recovery worker (C7) and session
// recovery (C8), wired together and exposed over a small HTTP surface for
// health checks, metrics, and session recovery requests.
//
// It owns no realtime transport and no quiz/scoring business logic — those
// are out of scope per spec.md's Non-goals; this binary is the
// infrastructure those components sit on top of.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ctxquiz/quizcore/internal/alertsink"
	"github.com/ctxquiz/quizcore/internal/answerbatch"
	"github.com/ctxquiz/quizcore/internal/cachefacade"
	"github.com/ctxquiz/quizcore/internal/config"
	"github.com/ctxquiz/quizcore/internal/maintenance"
	"github.com/ctxquiz/quizcore/internal/metrics"
	"github.com/ctxquiz/quizcore/internal/pendingqueue"
	"github.com/ctxquiz/quizcore/internal/recovery"
	"github.com/ctxquiz/quizcore/internal/sessionrecovery"
	"github.com/ctxquiz/quizcore/internal/store"
	"github.com/ctxquiz/quizcore/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("failed to init trace provider", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	mongoClient, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.MongoURI).
		SetMinPoolSize(10).
		SetMaxPoolSize(50).
		SetMaxConnIdleTime(30*time.Second).
		SetRetryReads(true).
		SetRetryWrites(true),
	)
	if err != nil {
		logger.Fatal("failed to connect to durable store", zap.Error(err))
	}

	alertLog := zapr.NewLogger(logger)
	alertRouter := alertsink.NewRouter(alertsink.NewRateLimiter(1, 10*time.Second), alertLog)
	alertRouter.Register("log", func(_ context.Context, alert alertsink.Alert) {
		logger.Warn("alert", zap.String("component", alert.Component), zap.String("kind", string(alert.Kind)), zap.String("message", alert.Message))
	})

	cache := cachefacade.NewFacade(cachefacade.Config{
		Client:    cachefacade.NewRedisClient(rdb),
		Logger:    logger,
		AlertSink: alertRouter,
	})
	cache.StartSweeper(ctx)
	defer cache.StopSweeper()

	queue := pendingqueue.New(pendingqueue.NewRedisClient(rdb))

	durable := store.NewStore(store.Config{
		Client:    store.NewMongoClient(mongoClient, cfg.MongoDB),
		Queue:     queue,
		Logger:    logger,
		AlertSink: alertRouter,
	})

	batcher := answerbatch.New(answerbatch.Config{
		Store:         durable,
		BatchSize:     cfg.Batch.Size,
		FlushInterval: cfg.Batch.FlushInterval,
		Logger:        logger,
		AlertSink:     alertRouter,
	})
	batcher.Start(ctx)
	defer batcher.Stop(ctx)

	recoveryWorker := recovery.New(recovery.Config{
		Store:         durable,
		Queue:         queue,
		CheckInterval: cfg.Recovery.CheckInterval,
		BatchSize:     cfg.Recovery.BatchSize,
		Logger:        logger,
		AlertSink:     alertRouter,
	})
	recoveryWorker.Start(ctx)
	defer recoveryWorker.Stop()

	recoverer := sessionrecovery.New(sessionrecovery.Config{
		Cache:  cache,
		Store:  durable,
		Logger: logger,
	})

	scheduler, err := maintenance.New(maintenance.Config{
		Batcher:  batcher,
		Recovery: recoveryWorker,
		Queue:    queue,
		DBPath:   "quizcore-maintenance.db",
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to start maintenance scheduler", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := newServer(cfg, logger, recoverer)

	logger.Info("starting quizcore storage core", zap.String("addr", srv.Addr), zap.String("version", version), zap.String("commit", commit))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Shutdown order: stop the HTTP surface, then the batcher (flushing
	// its buffer), the recovery worker and the cache sweeper, then
	// disconnect the cache and durable-store clients last so the final
	// flush still has somewhere to go. The Stop calls are idempotent, so
	// the deferred ones above become no-ops.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	batcher.Stop(shutdownCtx)
	recoveryWorker.Stop()
	cache.StopSweeper()
	if err := rdb.Close(); err != nil {
		logger.Error("redis close error", zap.Error(err))
	}
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		logger.Error("mongo disconnect error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
}

func newServer(cfg config.Config, logger *zap.Logger, recoverer *sessionrecovery.Recoverer) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/participants/{participantId}/recover", recoveryHandler(logger, recoverer))

	return &http.Server{
		Addr:         ":8090",
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// recoveryHandler exposes internal/sessionrecovery over HTTP, per spec.md
// §7's error envelope: {"error":{"code":...,"message":...,"requestId":...}}.
func recoveryHandler(logger *zap.Logger, recoverer *sessionrecovery.Recoverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("sessionId")
		participantID := r.PathValue("participantId")

		success, fail, err := recoverer.Recover(r.Context(), participantID, sessionID)
		if err != nil {
			logger.Error("session recovery internal error", zap.Error(err), zap.String("sessionId", sessionID), zap.String("participantId", participantID))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "an unexpected error occurred")
			return
		}
		if fail != nil {
			status := http.StatusNotFound
			switch fail.Code {
			case "SESSION_EXPIRED":
				status = http.StatusGone
			case "FORBIDDEN":
				status = http.StatusForbidden
			}
			writeError(w, status, fail.Code, fail.Message)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(success)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message, "requestId": uuid.NewString()},
	})
}
