package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AfshinJalili/custody/libs/apikey"
	"github.com/AfshinJalili/custody/libs/health"
	"github.com/AfshinJalili/custody/libs/httpmiddleware"
	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/AfshinJalili/custody/libs/metrics"
	"github.com/AfshinJalili/custody/libs/trace"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/chain"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/config"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/consumer"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/gas"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/handlers"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/notifier"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/rate"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/saga"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/selector"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/sweeper"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(trace.ConfigFromEnv(cfg.App.ServiceName, cfg.App.Env, cfg.TraceSampleRatio))
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry(cfg.App.ServiceName, cfg.App.Env)
	sagaMetrics := saga.NewMetrics(registry)
	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := storage.EnsureSchema(context.Background(), pool); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	chainRate, redisClient := chainLimiter(cfg, sagaMetrics, logger)
	if redisClient != nil {
		defer redisClient.Close()
		ready.AddCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	dbLimiter := rate.NewTokenBucket("db", cfg.Rate.DBPerSecond, cfg.Rate.DBBurst, sagaMetrics)

	store := storage.New(pool, dbLimiter, logger, cfg.DB.LockTimeout)
	ready.AddCheck("postgres", store.Ping)

	signer, err := chain.NewKeyRing(cfg.Chain.SignerKeys)
	if err != nil {
		logger.Error("signer init failed", "error", err)
		os.Exit(1)
	}
	logger.Info("signer loaded", "addresses", len(signer.Addresses()))

	client := chain.NewClient(chain.Config{
		BaseURL:      cfg.Chain.BaseURL,
		APIKey:       cfg.Chain.APIKey,
		USDTContract: cfg.Chain.USDTContract,
		FeeLimit:     cfg.Chain.FeeLimit,
		Timeout:      cfg.Chain.Timeout,
	}, chainRate, signer, sagaMetrics, logger)

	var (
		outcomes notifier.Notifier = notifier.NewLog(logger)
		producer *kafka.SyncProducer
	)
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry), kafka.ProducerOptions{ClientID: cfg.App.ServiceName})
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		outcomes = notifier.NewKafka(publisher, cfg.Kafka.Topics.Completed, cfg.Kafka.Topics.Failed, logger)
	}

	exec := saga.NewExecutor(saga.Deps{
		Ledger:   store,
		Log:      store,
		Selector: selector.New(store, cfg.Saga.SelectionMinBalance, logger),
		Gas: gas.New(client, store, gas.Config{
			ReserveAddresses: cfg.Gas.ReserveAddresses,
			MinReserve:       cfg.Gas.MinReserve,
			TopUpAmount:      cfg.Gas.TopUpAmount,
		}, logger),
		Chain:    client,
		Notifier: notifier.NewBestEffort(outcomes, cfg.Saga.NotifyTimeout, sagaMetrics, logger),
	}, saga.Config{
		TokenContract:        cfg.Chain.USDTContract,
		StepAttempts:         cfg.Saga.StepAttempts,
		RetryInitial:         cfg.Saga.RetryInitial,
		RetryMax:             cfg.Saga.RetryMax,
		StepTimeout:          cfg.Saga.StepTimeout,
		CompensationAttempts: cfg.Saga.CompensationAttempts,
		CompensationTimeout:  cfg.Saga.CompensationTimeout,
		ConfirmInterval:      cfg.Saga.ConfirmInterval,
	}, sagaMetrics, logger)

	hostname, _ := os.Hostname()
	runner := saga.NewRunner(exec, store, saga.RunnerConfig{
		Workers:  cfg.Saga.Workers,
		Owner:    fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		LeaseTTL: cfg.Saga.LeaseTTL,
	}, sagaMetrics, logger)

	lockSweeper := sweeper.New(store, sweeper.Config{
		Interval:   cfg.Sweeper.Interval,
		StaleAfter: cfg.Sweeper.StaleAfter,
	}, sagaMetrics, logger)

	adminKeys, err := operatorKeys(cfg)
	if err != nil {
		logger.Error("operator key config invalid", "error", err)
		os.Exit(1)
	}

	handler := handlers.New(runner, lockSweeper, logger)
	httpServer := buildHTTPServer(cfg, ready, registry, handler, adminKeys, logger)

	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "error", err)
		os.Exit(1)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var background errgroup.Group
	background.Go(func() error {
		resumed, err := runner.ResumePending(bgCtx)
		if err != nil {
			logger.Error("resume pending sagas failed", "error", err)
		} else {
			logger.Info("pending sagas resumed", "count", resumed)
		}
		runner.RunResumeLoop(bgCtx, cfg.Saga.ResumeInterval)
		return nil
	})
	background.Go(func() error {
		lockSweeper.Run(bgCtx)
		return nil
	})

	var requests *kafka.Consumer
	if cfg.Kafka.Enabled() {
		requests, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger, kafka.ConsumerOptions{
			DLQPublisher: producer,
			DLQTopic:     cfg.Kafka.Topics.DeadLetter,
		})
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		defer requests.Close()
		background.Go(func() error {
			logger.Info("withdrawal consumer starting", "topic", cfg.Kafka.Topics.Requested)
			err := requests.Consume(bgCtx, []string{cfg.Kafka.Topics.Requested}, consumer.NewRequestConsumer(runner, logger))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer error", "error", err)
			}
			return nil
		})
	}

	ready.SetReady(true)

	go func() {
		logger.Info("withdrawal grpc starting", "addr", grpcAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	go func() {
		logger.Info("withdrawal http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(grpcServer, healthServer, httpServer, runner, &background, ready, bgCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// chainLimiter shares the chain API quota across replicas through Redis when
// it is configured and falls back to a per-process bucket otherwise.
func chainLimiter(cfg *config.Config, observer rate.WaitObserver, logger *slog.Logger) (rate.Limiter, *redis.Client) {
	if cfg.Rate.RedisAddr == "" {
		return rate.NewTokenBucket("chain", cfg.Rate.ChainPerSecond, cfg.Rate.ChainBurst, observer), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Rate.RedisAddr})
	logger.Info("chain rate limit shared via redis", "addr", cfg.Rate.RedisAddr)
	return rate.NewRedisBucket(client, "chain", cfg.Rate.ChainPerSecond, cfg.Rate.ChainBurst, cfg.Rate.RedisPrefix, observer), client
}

func operatorKeys(cfg *config.Config) ([]apikey.Key, error) {
	if cfg.Auth.AdminKeyHash == "" {
		return nil, nil
	}
	if err := apikey.ValidateIPWhitelist(cfg.Auth.AdminIPWhitelist); err != nil {
		return nil, err
	}
	return []apikey.Key{{Name: "admin", Hash: cfg.Auth.AdminKeyHash, IPWhitelist: cfg.Auth.AdminIPWhitelist}}, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, handler *handlers.Handler, adminKeys []apikey.Key, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.Auth.JWTSecret))
	if len(adminKeys) > 0 {
		handler.RegisterAdmin(router, adminKeys)
	} else {
		logger.Warn("operator endpoints disabled: no admin api key configured")
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(grpcServer *grpc.Server, healthServer *grpchealth.Server, httpServer *http.Server, runner *saga.Runner, background *errgroup.Group, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	// Background loops stop submitting before the runner closes.
	loopsDone := make(chan struct{})
	go func() {
		_ = background.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		logger.Warn("background loops still running at shutdown deadline")
	}
	// In-flight sagas halt at their current step without compensating and
	// are resumed by the next process holding their lease.
	if err := runner.Shutdown(ctx); err != nil {
		logger.Error("saga runner shutdown error", "error", err)
	}

	grpcDone := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcDone)
	}()
	select {
	case <-grpcDone:
	case <-ctx.Done():
		grpcServer.Stop()
	}
	logger.Info("shutdown complete")
}
