package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/driftlab/marketpulse/docs"
	"github.com/driftlab/marketpulse/internal/analyze"
	"github.com/driftlab/marketpulse/internal/archive"
	"github.com/driftlab/marketpulse/internal/auth"
	"github.com/driftlab/marketpulse/internal/bus"
	"github.com/driftlab/marketpulse/internal/config"
	"github.com/driftlab/marketpulse/internal/db"
	"github.com/driftlab/marketpulse/internal/health"
	"github.com/driftlab/marketpulse/internal/ingest"
	"github.com/driftlab/marketpulse/internal/match"
	"github.com/driftlab/marketpulse/internal/model"
	"github.com/driftlab/marketpulse/internal/notify"
	"github.com/driftlab/marketpulse/internal/process"
	"github.com/driftlab/marketpulse/internal/ratelimit"
	"github.com/driftlab/marketpulse/internal/realtime"
	"github.com/driftlab/marketpulse/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()
	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Printf("WARNING: migrations failed: %v", err)
	}
	st := store.New(database)

	// Health registry; the bus reports its loops here, the DB is polled.
	registry := health.NewRegistry()
	registry.Register("db", true)
	registry.SetComponentStatus("db", true, "connected")
	go watchDB(ctx, database, registry)

	// Broker: Kafka when brokers are configured, in-memory otherwise.
	broker, realtimeBroker, err := newBrokers(cfg)
	if err != nil {
		log.Fatalf("broker setup failed: %v", err)
	}

	// Event bus with the pipeline stages.
	b := bus.New(broker, bus.Options{Status: registry.SetComponentStatus})

	processor := process.New(st, b, analyze.New())
	if err := processor.Register(b); err != nil {
		log.Fatalf("processor setup failed: %v", err)
	}
	matcher := match.NewService(st, b)
	if err := matcher.Register(b); err != nil {
		log.Fatalf("matcher setup failed: %v", err)
	}
	dispatcher := notify.NewDispatcher(buildSenders(cfg), st, b)
	if err := dispatcher.Register(b); err != nil {
		log.Fatalf("dispatcher setup failed: %v", err)
	}

	if err := b.Start(ctx); err != nil {
		log.Fatalf("bus start failed: %v", err)
	}
	defer func() {
		if err := b.Stop(); err != nil {
			log.Printf("bus stop failed: %v", err)
		}
	}()

	// Realtime broadcaster with its own consumer group.
	broadcaster := realtime.New(realtimeBroker, []string{
		model.TopicListingsProcessed,
		model.TopicAlertsTriggered,
	})
	go broadcaster.Run(ctx)
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// Rate limiter for the ingest route.
	limiter, err := newLimiter(cfg)
	if err != nil {
		log.Fatalf("rate limiter setup failed: %v", err)
	}

	// Archiver
	archiver := archive.New(st, cfg.ArchiveSchedule, cfg.ArchiveMaxAge)
	if err := archiver.Start(ctx); err != nil {
		log.Fatalf("archiver setup failed: %v", err)
	}
	defer archiver.Stop()

	// Router
	r := mux.NewRouter()
	registry.Routes(r)
	docs.RegisterRoutes(r)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(ratelimit.Middleware(limiter))
	ingest.NewHandler(st, b).RegisterRoutes(api)

	realtime.NewHandler(broadcaster, jwtService, cfg.AllowedOrigins).RegisterRoutes(r)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		broadcaster.CloseAll()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown failed: %v", err)
		}
		cancel()
	}()

	log.Printf("Starting server on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// newBrokers builds the pipeline broker and a second one for the realtime
// broadcaster. With Kafka the broadcaster needs its own consumer group so it
// does not steal partitions from the pipeline loops; the in-memory broker
// fans out per consumer, so one instance serves both.
func newBrokers(cfg *config.Config) (bus.Broker, bus.Broker, error) {
	if len(cfg.KafkaBrokers) == 0 {
		log.Println("no Kafka brokers configured, using in-memory broker")
		mem := bus.NewMemBroker()
		return mem, mem, nil
	}
	pipeline, err := bus.NewKafkaBroker(bus.KafkaConfig{
		Brokers:       cfg.KafkaBrokers,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	})
	if err != nil {
		return nil, nil, err
	}
	rt, err := bus.NewKafkaBroker(bus.KafkaConfig{
		Brokers:       cfg.KafkaBrokers,
		ConsumerGroup: cfg.KafkaConsumerGroup + "-realtime",
	})
	if err != nil {
		return nil, nil, err
	}
	return pipeline, rt, nil
}

// newLimiter picks the distributed limiter when Redis is configured, the
// in-process one otherwise.
func newLimiter(cfg *config.Config) (ratelimit.KeyLimiter, error) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		rl, err := ratelimit.NewRedisLimiter(client, cfg.RedisPrefix, cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, err
		}
		log.Printf("rate limiting via redis at %s", cfg.RedisAddr)
		return ratelimit.WrapRedis(rl), nil
	}
	return ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// buildSenders wires one sender per configured notification channel. SMS has
// no provider yet; its stub produces honest failure receipts.
func buildSenders(cfg *config.Config) map[model.NotificationMethod]notify.Sender {
	senders := map[model.NotificationMethod]notify.Sender{
		model.NotifySMS: notify.NewSMSSender(),
	}
	if cfg.SMTPHost != "" {
		email, err := notify.NewEmailSender(notify.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			User: cfg.SMTPUser,
			Pass: cfg.SMTPPass,
			From: cfg.SMTPFrom,
		})
		if err != nil {
			log.Printf("WARNING: email sender disabled: %v", err)
		} else {
			senders[model.NotifyEmail] = email
		}
	}
	if cfg.PushGatewayURL != "" {
		push, err := notify.NewPushSender(cfg.PushGatewayURL)
		if err != nil {
			log.Printf("WARNING: push sender disabled: %v", err)
		} else {
			senders[model.NotifyPush] = push
		}
	}
	return senders
}

// watchDB polls the database and reflects its state in the health registry.
func watchDB(ctx context.Context, database *db.DB, registry *health.Registry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := database.Ping(pingCtx)
			cancel()
			if err != nil {
				registry.SetComponentStatus("db", false, err.Error())
			} else {
				registry.SetComponentStatus("db", true, "connected")
			}
		case <-ctx.Done():
			return
		}
	}
}
