// Package app wires every component together and runs Sentinel in its
// selected mode: api (HTTP surface, no ingest workers), worker (broker
// client, ingest pipeline, alert engine, dispatcher, subscription
// sweeper, no HTTP surface), or migrate (applies schema and exits).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitwatch/sentinel/internal/alertengine"
	"github.com/pitwatch/sentinel/internal/audit"
	"github.com/pitwatch/sentinel/internal/broker"
	"github.com/pitwatch/sentinel/internal/clockid"
	"github.com/pitwatch/sentinel/internal/config"
	"github.com/pitwatch/sentinel/internal/dispatch"
	"github.com/pitwatch/sentinel/internal/firmware"
	"github.com/pitwatch/sentinel/internal/hub"
	"github.com/pitwatch/sentinel/internal/httpapi"
	"github.com/pitwatch/sentinel/internal/ingest"
	"github.com/pitwatch/sentinel/internal/license"
	"github.com/pitwatch/sentinel/internal/platform"
	"github.com/pitwatch/sentinel/internal/presence"
	"github.com/pitwatch/sentinel/internal/provisioning"
	"github.com/pitwatch/sentinel/internal/store"
	"github.com/pitwatch/sentinel/internal/subscriptionlifecycle"
	"github.com/pitwatch/sentinel/internal/telemetry"
)

// ingestTopics are the MQTT topic filters the api/worker processes
// subscribe to (§4.3, §4.5, §4.8).
var ingestTopics = []string{
	"workshop/+/pit/+/sensors",
	"workshop/+/device/+/status",
	"provisioning/+/announce",
}

// Run reads infrastructure handles, applies migrations where needed, and
// starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	logger.Info("starting sentinel", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	st := store.New(db)
	clock := clockid.RealClock{}
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, st, rdb, clock, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, st, rdb, clock)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// components bundles the shared domain objects both modes build
// identically, so api and worker never drift in how they construct them.
type components struct {
	brokerClient *broker.Client
	gate         *license.Gate
	dispatcher   *dispatch.Dispatcher
	engine       *alertengine.Engine
	hub          *hub.Hub
	provisioner  *provisioning.Handler
	firmwareReg  *firmware.Registry
	sweeper      *subscriptionlifecycle.Sweeper
	presence     *presence.Sweeper
}

func buildComponents(cfg *config.Config, logger *slog.Logger, st *store.Store, rdb *redis.Client, clock clockid.Clock) *components {
	brokerClient := broker.New(broker.Config{
		URL:             cfg.BrokerURL,
		ClientID:        cfg.BrokerClientID,
		Username:        cfg.BrokerUsername,
		Password:        cfg.BrokerPassword,
		QueueDepth:      cfg.BrokerQueueDepth,
		PublishDeadline: cfg.BrokerPublishDeadline,
		DrainDeadline:   cfg.BrokerDrainDeadline,
	}, logger)

	gate := license.New(st, st, clock, logger)
	dispatcher := dispatch.New(brokerClient, st, clock, logger)
	cooldown := alertengine.NewCooldown(rdb, st, logger, cfg.AlertCooldown)
	engine := alertengine.New(st, st, cooldown, clock, logger)
	h := hub.NewHub(logger, rdb, cfg.HubEventChannel)

	provisioner := provisioning.New(st, st, st, dispatcher, clock, logger, 0)
	firmwareReg := firmware.New(st, dispatcher, clock, logger, cfg.FirmwareUploadDir)
	sweeper := subscriptionlifecycle.New(st, st, st, dispatcher, clock, logger, cfg.SubscriptionSweepInterval)
	presenceSweeper := presence.New(st, st, st, h, clock, logger, cfg.PresenceSweepInterval,
		cfg.DeviceOfflineSeconds, cfg.CameraOfflineSeconds)

	return &components{
		brokerClient: brokerClient,
		gate:         gate,
		dispatcher:   dispatcher,
		engine:       engine,
		hub:          h,
		provisioner:  provisioner,
		firmwareReg:  firmwareReg,
		sweeper:      sweeper,
		presence:     presenceSweeper,
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *store.Store, rdb *redis.Client, clock clockid.Clock, metricsReg *prometheus.Registry) error {
	c := buildComponents(cfg, logger, st, rdb, clock)

	if err := c.brokerClient.Connect(ctx, ingestTopics...); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BrokerDrainDeadline)
		defer cancel()
		if err := c.brokerClient.Shutdown(shutdownCtx); err != nil {
			logger.Error("broker shutdown", "error", err)
		}
	}()

	pipeline := ingest.New(c.gate, st, c.engine, c.dispatcher, c.hub, c.provisioner, clock, logger,
		cfg.IngestWorkers, cfg.BrokerQueueDepth)
	go pipeline.Run(ctx, c.brokerClient.Inbound())

	go func() {
		if err := c.hub.Run(ctx); err != nil {
			logger.Error("hub relay stopped", "error", err)
		}
	}()

	auditWriter := audit.NewWriter(st, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	tokenSecret := cfg.HubSigningKey
	if tokenSecret == "" {
		tokenSecret = clockid.GenerateToken()
		logger.Info("hub: using auto-generated dev signing key (set HUB_SIGNING_KEY in production)")
	}
	tokens, err := hub.NewTokenManager(tokenSecret, cfg.HubTokenTTL)
	if err != nil {
		return fmt.Errorf("creating hub token manager: %w", err)
	}

	srv := httpapi.NewServer(httpapi.Dependencies{
		DB:            st.Pool(),
		Redis:         rdb,
		Hub:           c.hub,
		Tokens:        tokens,
		Devices:       st,
		Approvals:     c.provisioner,
		Payments:      c.sweeper,
		Commands:      c.dispatcher,
		Firmware:      c.firmwareReg,
		Audit:         auditWriter,
		Logger:        logger,
		MetricsReg:    metricsReg,
		CORSOrigins:   cfg.CORSAllowedOrigins,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *store.Store, rdb *redis.Client, clock clockid.Clock) error {
	c := buildComponents(cfg, logger, st, rdb, clock)

	if err := c.brokerClient.Connect(ctx, ingestTopics...); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.BrokerDrainDeadline)
		defer cancel()
		if err := c.brokerClient.Shutdown(shutdownCtx); err != nil {
			logger.Error("broker shutdown", "error", err)
		}
	}()

	pipeline := ingest.New(c.gate, st, c.engine, c.dispatcher, c.hub, c.provisioner, clock, logger,
		cfg.IngestWorkers, cfg.BrokerQueueDepth)
	go pipeline.Run(ctx, c.brokerClient.Inbound())

	go func() {
		if err := c.hub.Run(ctx); err != nil {
			logger.Error("hub relay stopped", "error", err)
		}
	}()

	go func() {
		if err := c.presence.Run(ctx); err != nil {
			logger.Error("presence sweeper stopped", "error", err)
		}
	}()

	logger.Info("worker started")
	return c.sweeper.Run(ctx)
}
