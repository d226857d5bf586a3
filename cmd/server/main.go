package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/buttermb/delviery-sub009/internal/compliance/handler"
	compliancemetrics "github.com/buttermb/delviery-sub009/internal/compliance/metrics"
	"github.com/buttermb/delviery-sub009/internal/compliance/outbox"
	"github.com/buttermb/delviery-sub009/internal/compliance/registry"
	"github.com/buttermb/delviery-sub009/internal/compliance/service"
	"github.com/buttermb/delviery-sub009/internal/compliance/snapshot"
	"github.com/buttermb/delviery-sub009/internal/compliance/store/memory"
	"github.com/buttermb/delviery-sub009/internal/compliance/store/postgres"
	jwttoken "github.com/buttermb/delviery-sub009/internal/jwt_token"
	"github.com/buttermb/delviery-sub009/internal/platform/config"
	"github.com/buttermb/delviery-sub009/internal/platform/httpserver"
	"github.com/buttermb/delviery-sub009/internal/platform/logger"
	platformmetrics "github.com/buttermb/delviery-sub009/internal/platform/metrics"
	platformredis "github.com/buttermb/delviery-sub009/internal/platform/redis"
	"github.com/buttermb/delviery-sub009/internal/ratelimit"
	httptransport "github.com/buttermb/delviery-sub009/internal/transport/http"
	"github.com/buttermb/delviery-sub009/migrations"
)

// Outbox topic layout used when the relay provisions its topic.
const (
	auditTopicPartitions  = 6
	auditTopicReplication = 1
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("compliance engine stopped", "error", err)
		os.Exit(1)
	}
	log.Info("compliance engine stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	policies, err := registry.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}

	complianceMetrics := compliancemetrics.New(prometheus.DefaultRegisterer)
	health := map[string]httptransport.HealthCheck{}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(complianceMetrics),
		service.WithMinReasonLength(cfg.MinReasonLength),
	}

	var (
		checks service.CheckStore
		audit  service.AuditStore
		tx     service.TxRunner
	)
	if cfg.UsesPostgres() {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		if err := migrations.Apply(ctx, db); err != nil {
			return err
		}
		store := postgres.New(db)
		checks, audit, tx = store.Checks(), store.Audit(), store
		health["postgres"] = db.PingContext
		log.Info("using postgres stores")
	} else {
		store := memory.New()
		checks, audit, tx = store.Checks(), store.Audit(), store
		log.Warn("DATABASE_URL not set; using in-memory stores")
	}

	var limiterStore ratelimit.Store = ratelimit.NewInMemoryStore()
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, service.WithSnapshotCache(snapshot.NewRedisCache(redisClient, snapshot.WithTTL(cfg.Redis.SnapshotTTL))))
		limiterStore = ratelimit.NewRedisStore(redisClient)
		health["redis"] = redisClient.Health
	}

	svc := service.New(checks, audit, tx, policies, opts...)
	jwtService := jwttoken.NewJWTService(cfg.JWT.SigningKey, cfg.JWT.Issuer, cfg.JWT.Audience)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Logger:    log,
		Validator: jwttoken.NewJWTServiceAdapter(jwtService),
		Metrics:   platformmetrics.New(prometheus.DefaultRegisterer),
		RateLimit: ratelimit.New(limiterStore, cfg.RateLimit.PerMinute, time.Minute, log),
		Health:    health,
		Features:  []httptransport.RouteRegistrar{handler.New(svc, log)},
	})

	g, ctx := errgroup.WithContext(ctx)
	srv := httpserver.New(cfg.Addr, router)
	g.Go(func() error {
		log.Info("starting compliance engine", "addr", cfg.Addr, "scopes", policies.Scopes())
		return httpserver.Run(ctx, srv)
	})

	if cfg.RelayEnabled() {
		relay, closeRelay, err := newRelay(ctx, cfg, log, complianceMetrics)
		if err != nil {
			return err
		}
		defer closeRelay()
		g.Go(func() error { return relay.Run(ctx) })
	}

	return g.Wait()
}

// newRelay connects the outbox queue and the Kafka publisher.
func newRelay(ctx context.Context, cfg config.Server, log *slog.Logger, m *compliancemetrics.Metrics) (*outbox.Relay, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect outbox pool: %w", err)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Kafka.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	if err := outbox.EnsureTopic(ctx, kadm.NewClient(client), cfg.Kafka.AuditTopic, auditTopicPartitions, auditTopicReplication); err != nil {
		client.Close()
		pool.Close()
		return nil, nil, err
	}

	queue := outbox.NewPostgresQueue(pool)
	relay := outbox.NewRelay(queue, outbox.NewKafkaPublisher(client, cfg.Kafka.AuditTopic, log),
		outbox.WithLogger(log),
		outbox.WithMetrics(m),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
	)
	return relay, func() {
		client.Close()
		queue.Close()
		pool.Close()
	}, nil
}
