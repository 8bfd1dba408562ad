// Approvals service runs the expense-report approval workflow: chain
// creation, decisions, delegation, notifications, and the audit trail.
package main

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearspend/approvals/pkg/approvals"
	"github.com/clearspend/approvals/pkg/audit"
	"github.com/clearspend/approvals/pkg/auth"
	"github.com/clearspend/approvals/pkg/config"
	"github.com/clearspend/approvals/pkg/directory"
	csOtel "github.com/clearspend/approvals/pkg/otel"
	"github.com/clearspend/approvals/pkg/workflow"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ── OpenTelemetry ────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelShutdown, err := csOtel.Setup(ctx, csOtel.Config{
		ServiceName:    "approvals",
		OTLPEndpoint:   otelEndpoint,
		TracingEnabled: otelEndpoint != "",
		MetricsEnabled: true,
	})
	if err != nil {
		log.Error("otel setup failed", "error", err)
	} else {
		defer otelShutdown(context.Background()) //nolint:errcheck // best-effort shutdown
	}

	// ── Postgres ─────────────────────────────────────────────────────────
	dbURL := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		config.EnvOr("POSTGRES_USER", "approvals"),
		config.EnvOr("POSTGRES_PASSWORD", "changeme"),
		config.EnvOr("POSTGRES_HOST", "localhost"),
		config.EnvOr("POSTGRES_PORT", "5432"),
		config.EnvOr("POSTGRES_DB", "approvals"),
	)
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	internalToken := os.Getenv("INTERNAL_AUTH_TOKEN")

	// ── Wiring ───────────────────────────────────────────────────────────
	store := approvals.NewStore(pool)
	auditor := audit.NewRecorder(audit.NewStore(pool), log)
	dir := directory.NewClient(config.EnvOr("DIRECTORY_URL", "http://localhost:8083"), internalToken)
	resolver := workflow.NewResolver(store)
	engine := workflow.NewEngine(store, store, dir, resolver)
	coordinator := workflow.NewCoordinator(engine)

	handlers := approvals.NewHandlers(
		engine, coordinator, store, auditor,
		config.EnvOr("APPROVALS_NOTIFY_CHANNEL", "email"),
		config.EnvOrDuration("APPROVALS_OP_TIMEOUT", 10*time.Second),
		config.EnvOrInt("APPROVALS_RATE_PER_ACTOR", 20),
	)
	dispatcher := approvals.NewDispatcher(
		store,
		config.EnvOr("APPROVALS_NOTIFIER_SOURCE", "clearspend://approvals"),
		config.EnvOr("MAILER_URL", "http://localhost:8084"),
		os.Getenv("APPROVALS_WEBHOOK_URL"),
		os.Getenv("APPROVALS_WEBHOOK_SECRET"),
		internalToken,
	)
	tokens := auth.NewTokenStore(os.Getenv("SERVICE_TOKENS"))

	// ── Router ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.ServiceAuth(tokens))
		handlers.RegisterRoutes(r)
	})

	// ── Minimal web UI for an approver's queue ───────────────────────────
	r.Get("/ui/pending", func(w http.ResponseWriter, r *http.Request) {
		approverID := r.URL.Query().Get("approver_id")
		if approverID == "" {
			http.Error(w, "approver_id required", http.StatusBadRequest)
			return
		}
		reqs, err := store.PendingForApprover(r.Context(), approverID, 100, 0)
		if err != nil {
			log.Error("list pending failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pendingTmpl.Execute(w, struct {
			ApproverID string
			Requests   []*workflow.ApprovalRequest
		}{ApproverID: approverID, Requests: reqs}); err != nil {
			log.Error("template execute failed", "error", err)
		}
	})

	// ── Metrics (internal) ───────────────────────────────────────────────
	metricsAddr := config.EnvOr("METRICS_ADDR", "127.0.0.1:9090")
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		log.Info("metrics server starting", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	// ── Server ───────────────────────────────────────────────────────────
	addr := config.EnvOr("APPROVALS_ADDR", ":8081")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("approvals service starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	if config.EnvOrBool("APPROVALS_NOTIFIER_ENABLED", true) {
		interval := time.Duration(config.EnvOrInt("APPROVALS_NOTIFIER_INTERVAL_SEC", 5)) * time.Second
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := dispatcher.DispatchOnce(ctx); err != nil {
						log.Error("notification dispatch failed", "error", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutting down approvals service")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := metricsSrv.Shutdown(shutCtx); err != nil {
		log.Error("metrics shutdown error", "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Minimal server-rendered UI
// ──────────────────────────────────────────────────────────────────────────────

var pendingTmpl = template.Must(template.New("pending").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>Pending Approvals — {{.ApproverID}}</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 900px; margin: 2rem auto; padding: 0 1rem; }
    table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid #e2e8f0; }
    th { background: #f7fafc; font-weight: 600; }
    tr:hover { background: #edf2f7; }
    h1 { color: #2d3748; }
    .empty { color: #718096; padding: 2rem 0; }
  </style>
</head>
<body>
  <h1>Pending Approvals</h1>
  <p>Approver: <strong>{{.ApproverID}}</strong></p>
  {{if .Requests}}
  <table>
    <thead>
      <tr><th>ID</th><th>Expense Report</th><th>Submitter</th><th>Step</th><th>Status</th><th>Created</th></tr>
    </thead>
    <tbody>
      {{range .Requests}}
      <tr>
        <td><code>{{.ID}}</code></td>
        <td>{{.ExpenseReportID}}</td>
        <td>{{.SubmitterID}}</td>
        <td>{{.CurrentStepIndex}}</td>
        <td>{{.OverallStatus}}</td>
        <td>{{.CreatedAt.Format "2006-01-02 15:04"}}</td>
      </tr>
      {{end}}
    </tbody>
  </table>
  {{else}}
  <p class="empty">No pending approvals.</p>
  {{end}}
</body>
</html>`))
