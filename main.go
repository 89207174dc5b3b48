package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/card-grader/internal/auth"
	"github.com/example/card-grader/internal/config"
	"github.com/example/card-grader/internal/handlers"
	"github.com/example/card-grader/internal/health"
	"github.com/example/card-grader/internal/logging"
	"github.com/example/card-grader/internal/repository"
	"github.com/example/card-grader/internal/upstream"
	"github.com/example/card-grader/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.NewLoader().Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := initHistory(ctx, cfg, logger)
	cache := initCache(ctx, cfg, logger)

	forwarder := upstream.NewHTTPForwarder(cfg.GraderEndpoint, cfg.APIKey, cfg.AuthScheme, cfg.RequestTimeout, logger)
	uc := usecase.NewGradingUseCase(repo, cache, forwarder, cfg.CacheTTL, logger)
	if !uc.Ready() {
		logger.Warn("relay credential is not configured; grading requests will fail")
	}
	logger.Info("relay configured",
		zap.Bool("api_key_configured", uc.Ready()),
		zap.Bool("history_enabled", uc.HistoryEnabled()),
		zap.Bool("cache_enabled", cfg.RedisAddr != ""),
		zap.String("endpoint", cfg.GraderEndpoint),
	)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(cfg, uc, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		healthServer *health.Server
		grpcListener net.Listener
	)
	if cfg.GRPCAddr != "" {
		grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
		}
		healthServer = health.NewServer(logger)
		healthServer.SetReady(uc.Ready())
	}

	logger.Info("card grader relay listening", zap.String("addr", cfg.HTTPAddr))
	if err := run(server, nil, healthServer, grpcListener, logger, nil); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, uc handlers.GradingService, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS())
	if cfg.RateLimitRPS > 0 {
		r.Use(handlers.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst).Middleware())
	}

	authMiddleware := auth.HistoryAccess(cfg.JWTSecret, cfg.JWTAudience)
	handlers.RegisterRoutes(r, uc, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	return r
}

// initHistory returns nil when no database is configured or reachable;
// the relay then runs without history.
func initHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.GradingRepository {
	if cfg.DatabaseDSN == "" {
		return nil
	}
	db, err := repository.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Error("history database unavailable; continuing without history", zap.Error(err))
		return nil
	}
	repo := repository.NewGradingRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.Cache {
	if cfg.RedisAddr == "" || cfg.CacheTTL <= 0 {
		return usecase.NoopCache{}
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		logger.Error("redis unavailable; continuing without cache", zap.Error(err), zap.String("addr", cfg.RedisAddr))
		_ = client.Close()
		return usecase.NoopCache{}
	}
	return usecase.NewRedisCache(client)
}

// run serves HTTP and, when configured, gRPC health until a shutdown signal
// arrives or either server fails. A nil httpListener listens on server.Addr.
func run(server *http.Server, httpListener net.Listener, healthServer *health.Server, grpcListener net.Listener, logger *zap.Logger, signalCh <-chan os.Signal) error {
	var g errgroup.Group

	if healthServer != nil && grpcListener != nil {
		g.Go(func() error {
			if err := healthServer.Serve(grpcListener); err != nil {
				_ = server.Close()
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if healthServer != nil {
			defer healthServer.Stop()
		}
		return serveHTTPServerWithOptions(server, shutdownTimeout, logger, httpListener, signalCh)
	})

	return g.Wait()
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
