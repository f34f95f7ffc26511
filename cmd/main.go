/**
 * @description
 * This is the main entry point for the reconciliation-service. It is responsible
 * for initializing all components of the service, including configuration, the
 * ledger backend, the event deduplication store, external API clients, message
 * brokers, the core reconciliation service, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * The ledger backend is chosen from configuration: PostgreSQL when
 * DATABASE_URL is set, otherwise an embedded Bolt database. Redis, when
 * reachable, fronts event deduplication with TTL-based retention.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gatewayclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cleargate/reconciliation-service/internal/api"
	"github.com/cleargate/reconciliation-service/internal/app"
	"github.com/cleargate/reconciliation-service/internal/config"
	"github.com/cleargate/reconciliation-service/internal/store"
	"github.com/cleargate/reconciliation-service/pkg/gatewayclient"
	rmrabbit "github.com/cleargate/reconciliation-service/pkg/rabbitmq"
)

// gatewayEventExchange carries raw gateway events when the hosting platform
// delivers them over the broker instead of HTTP webhooks.
const gatewayEventExchange = "gateway.events"

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.GatewaySigningSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway signing secret must be configured\" env=GATEWAY_SIGNING_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting reconciliation-service\" port=%s gateway_env=%s", cfg.ServerPort, cfg.GatewayEnvironment)

	// Choose the ledger backend. PostgreSQL is the production path; the
	// embedded Bolt store covers single-node deployments.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}

		poolConfig.MaxConns = 100
		poolConfig.MinConns = 20
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		repository = store.NewPostgresRepository(dbpool)
	} else {
		boltPath := strings.TrimSpace(cfg.BoltPath)
		if boltPath == "" {
			boltPath = "reconciliation.db"
		}
		boltRepo, err := store.NewBoltRepository(boltPath)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"bolt open failed\" path=%s err=%v", boltPath, err)
		}
		defer boltRepo.Close()
		log.Printf("level=info component=bootstrap msg=\"embedded ledger opened\" path=%s", boltPath)

		repository = boltRepo
	}

	// Redis, when reachable, fronts event deduplication with TTL retention.
	var events store.EventStore = repository
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using ledger-backed event store\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using ledger-backed event store\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
				events = store.NewRedisEventStore(redisClient, cfg.RedisEventPrefix, cfg.EventRetention())
			}
		}
	}

	// Initialize the RabbitMQ producer to publish status changes and anomalies.
	var notifier app.Notifier
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		notifier = &rmrabbit.ProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		notifier = rabbitProducer
	}

	// Initialize the client for the payment gateway API.
	gatewayClient := gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey, time.Duration(cfg.CreateTimeoutSeconds)*time.Second)

	// Initialize the core reconciliation service with its dependencies.
	reconciliationService := app.NewService(repository, events, gatewayClient, notifier, app.Settings{
		SigningSecret:       cfg.GatewaySigningSecret,
		WebhookSecret:       cfg.GatewayWebhookSecret,
		CreateMaxRetries:    cfg.CreateMaxRetries,
		CreateBackoffBase:   time.Duration(cfg.CreateBackoffBaseMs) * time.Millisecond,
		CreateBackoffMax:    time.Duration(cfg.CreateBackoffMaxMs) * time.Millisecond,
		CreateJitterCeiling: time.Duration(cfg.CreateJitterCeilingMs) * time.Millisecond,
		CreateTimeout:       time.Duration(cfg.CreateTimeoutSeconds) * time.Second,
		PollGracePeriod:     time.Duration(cfg.PollGracePeriodSeconds) * time.Second,
		PollBackoffCap:      time.Duration(cfg.PollBackoffCapSeconds) * time.Second,
		PollMaxAttempts:     cfg.PollMaxAttempts,
		PollTimeout:         time.Duration(cfg.PollTimeoutSeconds) * time.Second,
		WebhookWins:         cfg.ReconcilePolicy == config.PolicyWebhookWins,
	})

	// Resume polling for transactions left pending by a previous run.
	resumeCtx, cancelResume := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reconciliationService.ResumePendingPollers(resumeCtx, 1000); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"pending poller resume failed\" err=%v", err)
	}
	cancelResume()

	// Purge expired dedup entries once at startup and then on a fixed cadence.
	// The Redis event store expires keys itself and treats this as a no-op.
	purgeExpiredEvents := func() {
		purgeCtx, cancelPurge := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelPurge()
		purged, err := events.PurgeEventsBefore(purgeCtx, time.Now().Add(-cfg.EventRetention()))
		if err != nil {
			log.Printf("level=warn component=dedup msg=\"event purge failed\" err=%v", err)
			return
		}
		if purged > 0 {
			log.Printf("level=info component=dedup msg=\"expired events purged\" count=%d", purged)
		}
	}
	purgeExpiredEvents()
	purgeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-purgeDone:
				return
			case <-ticker.C:
				purgeExpiredEvents()
			}
		}
	}()

	// Initialize the API handlers.
	reconciliationHandlers := api.NewReconciliationHandlers(reconciliationService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.ReconciliationRoutes(reconciliationHandlers, cfg.InternalAPIKey, cfg.AuthJWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Consume queue-delivered raw gateway events when a broker is configured.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewEventConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; webhook ingress only\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			eventConsumer := app.NewGatewayEventConsumer(reconciliationService)
			eventBindings := map[string]rmrabbit.HandlerFunc{
				"gateway.event.#": eventConsumer.HandleMessage,
			}
			go func() {
				if err := rabbitConsumer.ConsumeWithBindings(gatewayEventExchange, cfg.ReconciliationEventQueue, eventBindings); err != nil {
					log.Printf("level=error component=bootstrap msg=\"gateway event consumer stopped\" err=%v", err)
				}
			}()
		}
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	close(purgeDone)
	reconciliationService.StopAllPolling()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
