// Command gateway runs the authorizing front door for the image store:
// every request passes the tenant-scoping filter before being proxied
// to the store, and lifecycle events posted by the store are dispatched
// to the event handlers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
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
	"github.com/Temirlaaan/DICOM-viewer/hooks"
	"github.com/Temirlaaan/DICOM-viewer/internal/config"
	webutil "github.com/Temirlaaan/DICOM-viewer/internal/httputil"
	"github.com/Temirlaaan/DICOM-viewer/internal/metrics"
	"github.com/Temirlaaan/DICOM-viewer/models"
	"github.com/Temirlaaan/DICOM-viewer/orthanc"
	"github.com/Temirlaaan/DICOM-viewer/token"
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
	auditLog := audit.NewLogger("gateway", minLevel, os.Stdout)

	var httpLog *zap.Logger
	if cfg.Logging.HTTPRequests {
		httpLog, err = zap.NewProduction()
		if err != nil {
			log.Fatalf("Failed to create logger: %v", err)
		}
		defer httpLog.Sync()
	}

	client := orthanc.NewClient(&orthanc.Config{
		BaseURL:  cfg.Orthanc.URL,
		Username: cfg.Orthanc.Username,
		Password: cfg.Orthanc.Password,
		Timeout:  cfg.Orthanc.Timeout,
		Logger:   httpLog,
	})

	var verifier *token.Verifier
	if cfg.Auth.VerifySignatures {
		verifier = token.NewVerifier(&token.VerifierConfig{
			JWKSURL: cfg.Keycloak.JWKSURL(),
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)

	h := hooks.New(&hooks.Config{
		Client:    client,
		Audit:     auditLog,
		Verifier:  verifier,
		AdminRole: cfg.Auth.AdminRole,
		Metadata:  cfg.Metadata,
		Metrics:   m,
	})

	upstream, err := url.Parse(cfg.Orthanc.URL)
	if err != nil {
		log.Fatalf("Failed to parse store URL: %v", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	if cfg.Orthanc.Username != "" {
		director := proxy.Director
		proxy.Director = func(r *http.Request) {
			director(r)
			r.SetBasicAuth(cfg.Orthanc.Username, cfg.Orthanc.Password)
		}
	}

	r := chi.NewRouter()
	r.Get("/health", healthHandler(client))
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Post("/events", eventsHandler(h))
	r.Group(func(r chi.Router) {
		r.Use(filterMiddleware(h))
		r.Handle("/*", proxy)
	})

	srv := &http.Server{
		Addr:              cfg.Server.GatewayAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		auditLog.Info("gateway listening", audit.Fields{"addr": cfg.Server.GatewayAddr})
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Gateway server error: %v", err)
		}
	}()

	<-ctx.Done()
	auditLog.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// filterMiddleware applies the tenant-scoping access decision before a
// request reaches the store.
func filterMiddleware(h *hooks.Hooks) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			uri := r.URL.Path
			if r.URL.RawQuery != "" {
				uri += "?" + r.URL.RawQuery
			}
			if !h.RequestFilter(r.Method, uri, r.RemoteAddr, "", r.Header) {
				webutil.WriteForbidden(w, "access to this resource is not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(client orthanc.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := client.System(r.Context()); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// eventEnvelope is the wire shape the store posts for each lifecycle
// transition.
type eventEnvelope struct {
	Kind       models.EventKind  `json:"kind"`
	InstanceID string            `json:"instance_id,omitempty"`
	StudyID    string            `json:"study_id,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Origin     struct {
		RequestOrigin string `json:"request_origin,omitempty"`
		RemoteAET     string `json:"remote_aet,omitempty"`
		RemoteIP      string `json:"remote_ip,omitempty"`
		CalledAET     string `json:"called_aet,omitempty"`
	} `json:"origin"`
}

func eventsHandler(h *hooks.Hooks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env eventEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			webutil.WriteError(w, http.StatusBadRequest, "invalid_event", "malformed event body")
			return
		}

		switch env.Kind {
		case models.EventStoredInstance:
			h.OnStoredInstance(models.StoredInstanceEvent{
				InstanceID: env.InstanceID,
				Tags:       env.Tags,
				Metadata:   env.Metadata,
				Origin: models.Origin{
					RequestOrigin: env.Origin.RequestOrigin,
					RemoteAET:     env.Origin.RemoteAET,
					RemoteIP:      env.Origin.RemoteIP,
					CalledAET:     env.Origin.CalledAET,
				},
			})
		case models.EventStableStudy:
			h.OnStableStudy(models.StudyStableEvent{
				StudyID:  env.StudyID,
				Tags:     env.Tags,
				Metadata: env.Metadata,
			})
		case models.EventDeletedStudy:
			h.OnDeletedStudy(env.StudyID)
		default:
			webutil.WriteError(w, http.StatusBadRequest, "invalid_event", "unknown event kind")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}
