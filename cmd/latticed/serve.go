package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loopwic/lattice/internal/alert"
	"github.com/loopwic/lattice/internal/botbridge"
	"github.com/loopwic/lattice/internal/config"
	"github.com/loopwic/lattice/internal/configstore"
	"github.com/loopwic/lattice/internal/detector"
	"github.com/loopwic/lattice/internal/httpapi"
	"github.com/loopwic/lattice/internal/ingest"
	"github.com/loopwic/lattice/internal/metrics"
	"github.com/loopwic/lattice/internal/modconfig"
	"github.com/loopwic/lattice/internal/rules"
	"github.com/loopwic/lattice/internal/store"
	"github.com/loopwic/lattice/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the latticed HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chStore, err := store.Open(store.DSNConfig{
		Addr:     cfg.DB.ClickHouseURL,
		Database: cfg.DB.ClickHouseDatabase,
		User:     cfg.DB.ClickHouseUser,
		Password: cfg.DB.ClickHousePassword,
	})
	if err != nil {
		return fmt.Errorf("open clickhouse store: %w", err)
	}
	if err := chStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure clickhouse schema: %w", err)
	}

	repo := configstore.New(configDir(cfg))

	storedRules, err := repo.LoadKeyItemRules()
	if err != nil {
		return fmt.Errorf("load key item rules: %w", err)
	}
	ruleRegistry := rules.New(repo, storedRules)

	alertTransport := alert.New(alert.Config{
		WebhookURL:  cfg.AlertWebhookURL,
		FallbackURL: cfg.WebhookURL,
		Token:       cfg.AlertWebhookToken,
		Template:    cfg.AlertWebhookTemplate,
		GroupID:     cfg.AlertGroupID,
	})

	modConfigHub := modconfig.New(repo, nil)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("nats connect failed, mod-config mirroring disabled", "error", err)
		} else {
			defer nc.Close()
			js, err := nc.JetStream()
			if err != nil {
				log.Warn("nats jetstream unavailable, mod-config mirroring disabled", "error", err)
			} else {
				modConfigHub.SetJetStream(js)
			}
		}
	}

	taskStore := tasks.New(cfg.ReportDir)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pipeline := &ingest.Pipeline{
		Store:    chStore,
		Detector: detector.New(),
		Rules:    ruleRegistry,
		Alerts:   alertTransport,
		Metrics:  m,
		Log:      log,
		Params: detector.Params{
			TransferWindowMs:      cfg.TransferWindowSeconds * 1000,
			KeyItemWindowMs:       cfg.KeyItemWindowMinutes * 60 * 1000,
			StrictPickupWindowMs:  cfg.StrictPickupWindowSeconds * 1000,
			StrictPickupThreshold: cfg.StrictPickupThreshold,
		},
	}

	var bridge *botbridge.Bridge
	if len(cfg.OpTokenAllowedGroupIDs) > 0 {
		issuer := botbridge.NewOpTokenIssuer(modConfigHub, alertTransport, cfg.OpTokenAllowedGroupIDs)
		bridge = botbridge.NewBridge(issuer, log)
		if cfg.BotBridgeWSURL != "" {
			go bridge.RunWS(ctx, "server-01", cfg.BotBridgeWSURL)
		}
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	server := &httpapi.Server{
		Pipeline:       pipeline,
		Store:          chStore,
		Rules:          ruleRegistry,
		Alerts:         alertTransport,
		ModConfig:      modConfigHub,
		Tasks:          taskStore,
		Metrics:        m,
		Registry:       reg,
		Bridge:         bridge,
		APIToken:       cfg.APIToken,
		RequestTimeout: requestTimeout,
		Log:            log,
	}

	httpServer := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("latticed listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// configDir resolves the directory configstore reads/writes from: the
// parent of key_items_path, since every other config artifact
// (rcon.toml, item_registry.json, mod-config/*) lives alongside it.
func configDir(cfg config.RuntimeConfig) string {
	return filepath.Dir(cfg.KeyItemsPath)
}
