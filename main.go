package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sentinelhooks/internal"
	"sentinelhooks/pkg/api"
	"sentinelhooks/pkg/events"
	"sentinelhooks/pkg/pipeline"
	ghprovider "sentinelhooks/pkg/providers/github"
	"sentinelhooks/pkg/queue"
	"sentinelhooks/pkg/signature"
	"sentinelhooks/pkg/storage"
	"sentinelhooks/pkg/storage/deliveries"
	"sentinelhooks/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("sentinelhooks exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("SENTINELHOOKS_CONFIG"), "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := internal.SetupLogging(os.Stdout, config.Log.Level, config.Log.Format)
	if config.Providers.GitHub.Secret == "" {
		logger.Warn("github webhook secret is not configured; every delivery will be rejected")
	}

	shutdownTracer, err := internal.InitTracer(config.Tracing, logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := queue.RetryPolicy{
		Attempts:      config.Queue.Attempts,
		Backoff:       time.Duration(config.Queue.BackoffMS) * time.Millisecond,
		KeepCompleted: config.Queue.KeepCompleted,
		KeepFailed:    config.Queue.KeepFailed,
	}
	backend, err := openBackend(ctx, config.Queue, policy)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer backend.Close()
	logger.Info("queue connected", slog.String("driver", backend.Name()), slog.String("queue", config.Queue.Name))
	if redisBackend, ok := backend.(*queue.RedisBackend); ok {
		go redisBackend.RunPromoter(ctx, ms(config.Queue.Redis.PromoteIntervalMS), internal.NewLogger("promoter"))
	}

	producerOpts := []queue.Option{queue.WithDefaultPriority(config.Queue.DefaultPriority)}
	if token := config.Providers.GitHub.APIToken; token != "" {
		client, err := ghprovider.NewClient(ctx, ghprovider.Config{Token: token, BaseURL: config.Providers.GitHub.APIBaseURL})
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		producerOpts = append(producerOpts, queue.WithFilesLister(ghprovider.NewFilesLister(client)))
	}
	producer := queue.NewProducer(backend, policy, internal.NewLogger("producer"), producerOpts...)
	reporter := queue.NewMetricsReporter(backend)

	rules, err := internal.NewRuleEngine(config.Rules, internal.NewLogger("rules"))
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	notifier, err := internal.NewPublisher(config.Notify, internal.NewLogger("notify"))
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer notifier.Close()

	var store storage.DeliveryStore
	if config.Storage.Enabled() {
		deliveryStore, err := deliveries.Open(deliveries.Config{
			Driver:      config.Storage.Driver,
			DSN:         config.Storage.DSN,
			Dialect:     config.Storage.Dialect,
			Table:       config.Storage.Table,
			AutoMigrate: config.Storage.AutoMigrate,
		})
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		defer deliveryStore.Close()
		store = deliveryStore
	}

	p := pipeline.New(pipeline.Config{
		Verifier:    signature.NewVerifier(config.Providers.GitHub.Secret, internal.NewLogger("signature")),
		Validator:   events.NewValidator(internal.NewLogger("validator")),
		Producer:    producer,
		Rules:       rules,
		Notifier:    notifier,
		NotifyTopic: config.Notify.Topic,
		Deliveries:  store,
		Logger:      internal.NewLogger("pipeline"),
	})

	if config.Server.MetricsEnabled {
		internal.PublishFunc("sentinelhooks_queue", func() any {
			snapCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			snap, err := reporter.Snapshot(snapCtx)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return snap
		})
	}

	router := api.NewRouter(api.RouterConfig{
		WebhookPath:    config.Providers.GitHub.Path,
		Webhook:        webhook.NewGitHubHandler(p, internal.NewLogger("webhook"), config.Server.MaxBodyBytes),
		MetricsPath:    config.Server.MetricsPath,
		Metrics:        reporter,
		MetricsTimeout: 5 * time.Second,
		DebugVars:      config.Server.MetricsEnabled,
		Deliveries:     store,
		RateLimitRPS:   config.Server.RateLimitRPS,
		RateLimitBurst: config.Server.RateLimitBurst,
		Logger:         internal.NewLogger("http"),
	})

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       ms(config.Server.ReadTimeoutMS),
		WriteTimeout:      ms(config.Server.WriteTimeoutMS),
		IdleTimeout:       ms(config.Server.IdleTimeoutMS),
		ReadHeaderTimeout: ms(config.Server.ReadHeaderMS),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			slog.String("addr", addr),
			slog.String("webhook_path", config.Providers.GitHub.Path),
			slog.Int("rules", rules.Len()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ms(config.Server.ShutdownTimeoutMS))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", slog.Any("error", err))
	}
	return nil
}

func openBackend(ctx context.Context, cfg internal.QueueConfig, policy queue.RetryPolicy) (queue.Backend, error) {
	switch cfg.Driver {
	case "river":
		return queue.OpenRiver(ctx, queue.RiverOptions{
			DSN:          cfg.River.DSN,
			Queue:        cfg.Name,
			Migrate:      cfg.River.Migrate,
			TrimInterval: ms(cfg.River.TrimIntervalMS),
			Policy:       policy,
			Logger:       internal.NewLogger("river"),
		})
	default:
		client, err := queue.DialRedis(ctx, queue.RedisOptions{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: ms(cfg.Redis.DialTimeoutMS),
		})
		if err != nil {
			return nil, err
		}
		return queue.NewRedisBackend(client, cfg.Redis.Prefix, cfg.Name), nil
	}
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
