package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fleetsignal/fleetsignal/internal/classify"
	"github.com/fleetsignal/fleetsignal/internal/config"
	"github.com/fleetsignal/fleetsignal/internal/dedup"
	"github.com/fleetsignal/fleetsignal/internal/dispatch"
	"github.com/fleetsignal/fleetsignal/internal/dlq"
	"github.com/fleetsignal/fleetsignal/internal/fleetapi"
	"github.com/fleetsignal/fleetsignal/internal/logging"
	"github.com/fleetsignal/fleetsignal/internal/notifier"
	"github.com/fleetsignal/fleetsignal/internal/repository"
	"github.com/fleetsignal/fleetsignal/internal/service"
	"github.com/fleetsignal/fleetsignal/internal/transport"
	"github.com/fleetsignal/fleetsignal/internal/window"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Incident log storage
	var repo repository.Repository
	if cfg.Database.Enabled {
		connString := cfg.Database.DSN()

		logger.Info("running database migrations")
		m, err := migrate.New("file://migrations", connString)
		if err != nil {
			log.Fatalf("Failed to initialize migrations: %v", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		pg, err := repository.NewPostgresRepository(ctx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer pg.Close()
		repo = pg
	} else {
		logger.Warn("incident log disabled, alerts will not be persisted")
	}

	// Fleet platform client
	fleet := fleetapi.New(fleetapi.Config{
		BaseURL:       cfg.Platform.APIURL,
		Email:         cfg.Platform.Email,
		Password:      cfg.Platform.Password,
		Timeout:       cfg.Platform.Timeout,
		LabelCacheTTL: cfg.Platform.LabelCacheTTL,
	})

	// Flush listeners
	dispatcher := dispatch.New(logger)
	if cfg.WhatsApp.Enabled {
		recipients := make([]notifier.Recipient, 0, len(cfg.WhatsApp.Recipients))
		for _, r := range cfg.WhatsApp.Recipients {
			recipients = append(recipients, notifier.Recipient{Number: r.Number, Name: r.Name})
		}
		dispatcher.Register(notifier.NewWhatsApp(notifier.WhatsAppConfig{
			GraphURL:       cfg.WhatsApp.GraphURL,
			Token:          cfg.WhatsApp.Token,
			TemplateName:   cfg.WhatsApp.TemplateName,
			LanguageCode:   cfg.WhatsApp.LanguageCode,
			HeaderImageURL: cfg.WhatsApp.HeaderImageURL,
			Recipients:     recipients,
		}, fleet, logger))
	}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		dispatcher.Register(notifier.NewRedisPublisher(rdb, cfg.Redis.ChannelPrefix, logger))
	}

	// Dead-letter queue for undecodable frames
	var queue *dlq.Queue
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("fleetsignal"))
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer nc.Close()

		queue, err = dlq.New(ctx, nc, logger)
		if err != nil {
			log.Fatalf("Failed to initialize DLQ: %v", err)
		}
	}

	// Correlation core
	classifier, err := classify.New(classify.Config{
		Timezone:        cfg.Engine.Timezone,
		MinOverspeedKmh: cfg.Engine.MinOverspeedKmh,
	})
	if err != nil {
		log.Fatalf("Failed to build classifier: %v", err)
	}

	dd := dedup.New(dedup.Options{
		TimeTolerance:    cfg.Engine.DedupTime,
		SpatialTolerance: cfg.Engine.DedupDistance,
	})
	defer dd.Close()

	agg := window.New(window.Options{
		Window:              cfg.Engine.Window,
		Grace:               cfg.Engine.Grace,
		RequiredUniqueCodes: cfg.Engine.RequiredUnique,
		Policy:              window.Policy(cfg.Engine.Policy),
		Logger:              logger,
	}, func(vehicleID int64, snapshot []classify.Incident) {
		dispatcher.Dispatch(ctx, vehicleID, snapshot)
	})
	defer agg.Close()

	svc := service.New(service.Options{
		CompanyID:  cfg.Engine.CompanyID,
		Classifier: classifier,
		Dedup:      dd,
		Aggregator: agg,
		Fleet:      fleet,
		Repo:       repo,
		Queue:      queue,
		Logger:     logger,
	})

	// Push channel, reconnecting. The vehicle map is rebuilt on every
	// (re)connect so trackers added while disconnected are picked up.
	stream := transport.New(transport.Config{
		URL:           cfg.Stream.WSURL,
		Origin:        cfg.Stream.Origin,
		RateLimit:     cfg.Stream.RateLimit,
		ReconnectWait: cfg.Stream.ReconnectWait,
	}, fleet.SessionHash, svc.HandleFrame, svc.RefreshVehicleMap, logger)

	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stream terminated", "error", err)
		}
	}()

	// Admin HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"vehicles": agg.Vehicles(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/dlq/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queue.Stats(r.Context()))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("stopped")
}
