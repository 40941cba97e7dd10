// Package httpapi exposes the inbound messaging webhook, a readiness probe,
// and a Prometheus metrics endpoint over chi.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/example/providerline/internal/transport"
	"github.com/example/providerline/pkg/logging"
)

// Dispatcher is the subset of the router the webhook handler depends on.
type Dispatcher interface {
	HandleInbound(ctx context.Context, in transport.Inbound) ([]transport.Outbound, error)
}

// Sender delivers the outbound messages the dispatcher returns back to the
// customer's phone.
type Sender interface {
	SendReply(ctx context.Context, toPhone string, msg transport.Outbound) error
}

// Config holds the dependencies New needs to build the router.
type Config struct {
	Logger         *logging.Logger
	Dispatcher     Dispatcher
	Sender         Sender
	RedisClient    *redis.Client
	DB             *sql.DB
	MetricsHandler http.Handler
}

// New builds the chi router exposing /health, /ready, /webhooks/inbound,
// and (when configured) /metrics.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readinessHandler(cfg))
	r.Post("/webhooks/inbound", inboundHandler(cfg))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func readinessHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := true

		if cfg.DB != nil {
			if err := cfg.DB.PingContext(r.Context()); err != nil {
				checks["database"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["database"] = "ok"
			}
		} else {
			checks["database"] = "not configured"
		}

		if cfg.RedisClient != nil {
			if err := cfg.RedisClient.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "unhealthy: " + err.Error()
				ready = false
			} else {
				checks["redis"] = "ok"
			}
		} else {
			checks["redis"] = "not configured"
		}

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
	}
}

// inboundHandler decodes a transport.Inbound payload, runs it through the
// dispatcher, and delivers every resulting outbound message through the
// sender. It acks 200 once dispatch completes; delivery errors are logged,
// not surfaced to the gateway, since the gateway has no retry semantics of
// its own to hand the failure back to.
func inboundHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in transport.Inbound
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		outbound, err := cfg.Dispatcher.HandleInbound(r.Context(), in)
		if err != nil {
			cfg.Logger.Error("httpapi: inbound dispatch failed", "phone", in.FromNumber, "error", err.Error())
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}

		for _, msg := range outbound {
			if sendErr := cfg.Sender.SendReply(r.Context(), in.FromNumber, msg); sendErr != nil {
				cfg.Logger.Error("httpapi: reply delivery failed", "phone", in.FromNumber, "error", sendErr.Error())
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}
