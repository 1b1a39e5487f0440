package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/inkfeather/inkfeather/internal/api"
	"github.com/inkfeather/inkfeather/internal/content"
	"github.com/inkfeather/inkfeather/internal/db"
	"github.com/inkfeather/inkfeather/internal/jobs"
	"github.com/inkfeather/inkfeather/internal/llm"
	"github.com/inkfeather/inkfeather/internal/notifications"
	"github.com/inkfeather/inkfeather/internal/observability"
)

var version = "dev"

// Config holds application configuration loaded from the environment
type Config struct {
	Port                 string
	Env                  string
	SentryDSN            string
	LogLevel             string
	SlackWebhookURL      string
	SchedulerEnabled     bool
	ObservabilityEnabled bool
	MetricsAddr          string
	OTLPEndpoint         string
	OTLPHeaders          string
	OTLPInsecure         bool
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := &Config{
		Port:                 getEnvWithDefault("PORT", "8080"),
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		SlackWebhookURL:      os.Getenv("SLACK_WEBHOOK_URL"),
		SchedulerEnabled:     getEnvWithDefault("SCHEDULER_ENABLED", "true") == "true",
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",
	}

	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		var err error
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    "inkfeather",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgDB, err := db.InitFromEnvWithRetry(rootCtx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pgDB.Close()

	queue := db.NewDbQueue(pgDB.GetDB())

	endpoints, failures, err := pgDB.LoadEndpoints(rootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load LLM endpoints")
	}
	if len(endpoints) == 0 {
		log.Warn().Msg("No active LLM endpoints configured, jobs will fail until some are added")
	}
	pool := llm.NewPool(endpoints, llm.WithHealthStore(db.NewEndpointHealthStore(pgDB.GetDB())))
	for id, at := range failures {
		pool.SeedFailure(id, at)
	}

	generator := llm.NewRetryController(pool, llm.DefaultMaxAttempts)
	client := llm.NewHTTPClient()

	var embedder content.EmbeddingProvider
	if url := os.Getenv("EMBEDDINGS_URL"); url != "" {
		embedder = llm.NewEmbeddingClient(url,
			os.Getenv("EMBEDDINGS_API_KEY"),
			getEnvWithDefault("EMBEDDINGS_MODEL", "text-embedding-3-small"))
	}

	notifier := notifications.NewSlackNotifier(config.SlackWebhookURL)
	manager := jobs.NewManager(queue, pgDB.Cache, notifier)
	reconciler := jobs.NewReconciler(queue)
	dispatcher := jobs.NewDispatcher(queue, client, generator,
		content.NewPromptBuilder(), content.NewRenderer(), content.NewPublisher()).
		WithEnricher(content.NewEnricher(embedder, pgDB)).
		WithNotifier(notifier).
		WithRecoverer(reconciler)

	handler := api.NewHandler(manager, dispatcher, reconciler, pgDB, version)

	mux := handler.Routes()
	if obsProviders != nil && obsProviders.MetricsHandler != nil {
		mux.Handle("GET /metrics", obsProviders.MetricsHandler)
	}

	limiter := rate.NewLimiter(rate.Limit(20), 40)
	var httpHandler http.Handler = mux
	httpHandler = api.RateLimitMiddleware(limiter)(httpHandler)
	httpHandler = api.CORSMiddleware(httpHandler)
	httpHandler = api.LoggingMiddleware(httpHandler)
	httpHandler = api.RequestIDMiddleware(httpHandler)
	httpHandler = observability.WrapHandler(httpHandler, obsProviders)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(rootCtx)

	if config.SchedulerEnabled {
		scheduler := jobs.NewScheduler(queue, dispatcher, reconciler, pgDB.GetConfig().ConnectionString())
		g.Go(func() error {
			err := scheduler.Run(gCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		log.Info().Str("port", config.Port).Str("env", config.Env).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "inkfeather").
			Logger()
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseOTLPHeaders parses "key=value,key=value" header lists
func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
