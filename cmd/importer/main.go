// Command importer watches clinic inbox folders and uploads the DICOM
// studies found there to the image store, stamping each instance with
// the clinic it came from.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Temirlaaan/DICOM-viewer/audit"
	"github.com/Temirlaaan/DICOM-viewer/importer"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	"github.com/Temirlaaan/DICOM-viewer/internal/metrics"
	"github.com/Temirlaaan/DICOM-viewer/keycloak"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
)

var configPath = flag.String("config", "config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	minLevel, err := audit.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}
	auditLog := audit.NewLogger("importer", minLevel, os.Stdout)

	var httpLog *zap.Logger
	if cfg.Logging.HTTPRequests {
		httpLog, err = zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		defer httpLog.Sync()
	}

	// Service-account tokens are used when a client secret is
	// configured; otherwise the store is reached with basic auth.
	var bearerSource func(ctx context.Context) (string, error)
	if cfg.Keycloak.ClientSecret != "" {
		tokens := keycloak.NewTokenManager(&keycloak.Config{
			TokenURL:     cfg.Keycloak.TokenURL(),
			ClientID:     cfg.Keycloak.ClientID,
			ClientSecret: cfg.Keycloak.ClientSecret,
			Logger:       httpLog,
		})
		bearerSource = tokens.Token
	}

	client := orthanc.NewClient(&orthanc.Config{
		BaseURL:      cfg.Orthanc.URL,
		Username:     cfg.Orthanc.Username,
		Password:     cfg.Orthanc.Password,
		Timeout:      cfg.Orthanc.Timeout,
		BearerSource: bearerSource,
		Logger:       httpLog,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	processor := importer.NewProcessor(client, auditLog, m, cfg.Importer, cfg.Metadata)
	watcher, err := importer.NewWatcher(processor, auditLog, m, cfg.Importer)
	if err != nil {
		log.Fatalf("Failed to create watcher: %v", err)
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := client.System(req.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Metrics server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditLog.Info("importer starting", audit.Fields{
		"inbox":    cfg.Importer.InboxPath,
		"cooldown": cfg.Importer.Cooldown.String(),
	})

	if err := watcher.Scan(); err != nil {
		log.Fatalf("Initial inbox scan failed: %v", err)
	}
	if err := watcher.Run(ctx); err != nil {
		log.Printf("Watcher stopped: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
