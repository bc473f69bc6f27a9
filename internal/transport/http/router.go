// Copyright 2026 The VoxQuota Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/voxquota/voxquota/internal/observability/metrics"
	"github.com/voxquota/voxquota/internal/quota"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	controller  *quota.Controller
	quotaMx     *metrics.QuotaMetrics
	adminSecret []byte
}

// NewHandler creates a new HTTP handler
func NewHandler(controller *quota.Controller, quotaMx *metrics.QuotaMetrics, adminSecret string) *Handler {
	return &Handler{
		controller:  controller,
		quotaMx:     quotaMx,
		adminSecret: []byte(adminSecret),
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/admission", h.Admission)
			r.Post("/reconcile", h.Reconcile)
			r.Get("/usage", h.TenantUsage)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.AdminAuthMiddleware)
			r.Get("/tenants/limits", h.UsageOverview)
			r.Route("/tenants/{tenantID}", func(r chi.Router) {
				r.Put("/limits", h.SetLimits)
				r.Post("/reset", h.ForceReset)
				r.Post("/bonus", h.AddBonusMinutes)
			})
		})
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondQuotaError maps controller errors onto the HTTP taxonomy: bad input
// is the caller's fault, unknown tenants only happen on admin paths, and an
// unavailable store must read as "try again", never as an implicit admit.
func respondQuotaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quota.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, quota.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "tenant not found")
	case errors.Is(err, quota.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "quota store unavailable, retry later")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
