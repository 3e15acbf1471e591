package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/config"
	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/libs/grpcx"
	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/clinicbook/libs/otel"
	"github.com/md-rashed-zaman/clinicbook/libs/runtime"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/consumer"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/hours"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/inbox"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/ledger"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/migrations"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func main() {
	config.LoadDotEnv()
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	brokers := config.List("KAFKA_BROKERS", "")
	readyChecks := []runtime.ReadyCheck{}
	var background sync.WaitGroup

	staticHours, err := staticHoursFromEnv()
	if err != nil {
		panic(err)
	}

	var (
		store     ledger.Ledger
		hoursSrc  hours.Provider = staticHours
		inboxRepo consumer.Inbox = inbox.NewMemory()
	)
	if dbURL := strings.TrimSpace(config.String("DATABASE_URL", "")); dbURL != "" {
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		if config.Bool("MIGRATE_ON_START", true) {
			if err := migrations.Apply(ctx, pool, logger); err != nil {
				logger.Error("migrations failed", "err", err)
				panic(err)
			}
		}

		outboxRepo := outbox.NewRepository()
		store = ledger.NewPostgresLedger(pool, outboxRepo, config.Duration("LEDGER_LOCK_TIMEOUT", 2*time.Second))
		hoursSrc = hours.NewPostgresProvider(pool, staticHours)
		inboxRepo = inbox.NewRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		if len(brokers) > 0 {
			publisher := outbox.NewPublisher(pool, outboxRepo, kafkax.NewWriter(brokers), logger, outbox.PublisherConfig{
				PollEvery: config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
				BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
			})
			background.Add(1)
			go func() {
				defer background.Done()
				publisher.Run(ctx)
			}()
		}
		logger.Info("ledger: postgres")
	} else {
		store = ledger.NewMemoryLedger()
		logger.Warn("DATABASE_URL not set; using in-memory ledger (single instance only)")
	}

	var rdb *redis.Client
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       config.Int("REDIS_DB", 0),
		})
		defer func() { _ = rdb.Close() }()
		readyChecks = append(readyChecks, runtime.ReadyCheck{
			Name:     "redis",
			Check:    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			Optional: true,
		})
	}

	var cal calendar.Adapter = calendar.NoopAdapter{}
	if base := strings.TrimSpace(config.String("CALENDAR_BASE_URL", "")); base != "" {
		cal = calendar.NewHTTPAdapter(calendar.HTTPConfig{
			BaseURL: base,
			APIKey:  config.String("CALENDAR_API_KEY", ""),
			Timeout: config.Duration("CALENDAR_HTTP_TIMEOUT", 5*time.Second),
		})
		logger.Info("calendar: http", "base_url", base)
	}
	if rdb != nil {
		cached := calendar.NewCachedAdapter(cal, rdb, config.Duration("BUSY_CACHE_TTL", time.Minute), logger)
		cal = cached

		topic := strings.TrimSpace(config.String("KAFKA_CONSUME_TOPIC", "calendar.busy.changed.v1"))
		if len(brokers) > 0 && topic != "" {
			reader := kafkax.NewReader(brokers, config.String("KAFKA_GROUP_ID", service), topic)
			c := consumer.New(reader, logger, inboxRepo, consumer.InvalidateBusy(cached, logger))
			background.Add(1)
			go func() {
				defer background.Done()
				c.Run(ctx)
			}()
		}
	}
	if len(brokers) > 0 {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers), Optional: true})
	}

	calc := availability.NewCalculator(cal, store, logger, config.Duration("CALENDAR_FETCH_TIMEOUT", availability.DefaultExternalTimeout))

	mirror := booking.NewMirror(cal, store, logger, booking.MirrorConfig{
		Workers:   config.Int("MIRROR_WORKERS", 4),
		QueueSize: config.Int("MIRROR_QUEUE_SIZE", 256),
		Timeout:   config.Duration("MIRROR_TIMEOUT", 5*time.Second),
		MaxTries:  uint(config.Int("MIRROR_MAX_TRIES", 3)),
	})
	background.Add(1)
	go func() {
		defer background.Done()
		mirror.Run(ctx)
	}()

	svc := booking.NewService(store, hoursSrc, calc, mirror, logger, booking.Config{
		DefaultSlot: time.Duration(config.Int("DEFAULT_SLOT_MINUTES", 30)) * time.Minute,
		MaxTries:    uint(config.Int("LEDGER_MAX_RETRIES", 4)),
		AllowPast:   config.Bool("ALLOW_PAST_BOOKINGS", false),
		MaxWindow:   time.Duration(config.Int("MAX_WINDOW_DAYS", 31)) * 24 * time.Hour,
	})

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.NewBookingHandler(svc, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 10*time.Second)),
		rateLimiter(rdb, logger),
		httpx.RequireAuth(config.String("JWT_SECRET", "")),
	)
	handler = otelhttp.NewHandler(handler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewServer(logger)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		panic(fmt.Errorf("grpc listen: %w", err))
	}
	background.Add(1)
	go func() {
		defer background.Done()
		if err := grpcx.Serve(ctx, grpcSrv, lis, logger, 5*time.Second); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	runtime.ServeHTTP(ctx, srv, logger, 10*time.Second)
	health.Shutdown()
	background.Wait()
	logger.Info("shutdown complete")
}

func staticHoursFromEnv() (*hours.StaticProvider, error) {
	cfg := hours.DefaultStaticConfig()
	if tz := strings.TrimSpace(config.String("PROVIDER_TIMEZONE", "")); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("PROVIDER_TIMEZONE: %w", err)
		}
		cfg.Location = loc
	}
	start, err := hours.ParseClock(config.String("WORKDAY_START", "09:00"))
	if err != nil {
		return nil, fmt.Errorf("WORKDAY_START: %w", err)
	}
	end, err := hours.ParseClock(config.String("WORKDAY_END", "17:00"))
	if err != nil {
		return nil, fmt.Errorf("WORKDAY_END: %w", err)
	}
	if end <= start {
		return nil, errors.New("WORKDAY_END must be after WORKDAY_START")
	}
	cfg.StartMinute, cfg.EndMinute = start, end
	if days := config.List("WORKDAYS", ""); len(days) > 0 {
		wd, err := hours.ParseWeekdays(days)
		if err != nil {
			return nil, fmt.Errorf("WORKDAYS: %w", err)
		}
		cfg.Workdays = wd
	}
	return hours.NewStaticProvider(cfg), nil
}

func rateLimiter(rdb *redis.Client, logger *slog.Logger) httpx.Middleware {
	perMinute := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if rdb != nil {
		rl := httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl:booking"))
		logger.Info("rate limiting enabled (redis)", "per_minute", perMinute)
		return rl.Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	logger.Info("rate limiting enabled (in-memory)", "per_minute", perMinute)
	return httpx.NewRateLimiter(perMinute).Middleware()
}
