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
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voxquota/voxquota/internal/observability/logger"
	"github.com/voxquota/voxquota/internal/quota"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type admissionRequest struct {
	RequestedMinutes float64 `json:"requested_minutes"`
}

type reconcileRequest struct {
	RequestedMinutes float64 `json:"requested_minutes"`
	ActualMinutes    float64 `json:"actual_minutes"`
}

type budgetResponse struct {
	UsedMinutes      float64    `json:"used_minutes"`
	LimitMinutes     float64    `json:"limit_minutes"`
	RemainingMinutes float64    `json:"remaining_minutes"`
	UsedPercent      float64    `json:"used_percent"`
	ResetsAt         *time.Time `json:"resets_at,omitempty"`
}

type admissionResponse struct {
	Allowed     bool           `json:"allowed"`
	Reason      string         `json:"reason,omitempty"`
	AdmissionID string         `json:"admission_id,omitempty"`
	Monthly     budgetResponse `json:"monthly"`
	Weekly      budgetResponse `json:"weekly"`
}

type usageResponse struct {
	TenantID string         `json:"tenant_id"`
	Monthly  budgetResponse `json:"monthly"`
	Weekly   budgetResponse `json:"weekly"`
}

// Admission checks whether the tenant may consume the requested minutes and
// optimistically charges them on admission. A denial is a 200 with
// allowed=false; only malformed input or an unavailable store are errors.
func (h *Handler) Admission(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, err := h.controller.Admit(r.Context(), tenantID, req.RequestedMinutes)
	if err != nil {
		respondQuotaError(w, err)
		return
	}

	h.recordAdmission(r, decision.Allowed, string(decision.Reason), req.RequestedMinutes)
	slog.InfoContext(r.Context(), "admission decided",
		logger.TenantID(tenantID),
		logger.RequestedMinutes(req.RequestedMinutes),
		logger.Decision(decision.Allowed),
		logger.DenyReason(string(decision.Reason)),
	)

	respondJSON(w, http.StatusOK, admissionResponse{
		Allowed:     decision.Allowed,
		Reason:      string(decision.Reason),
		AdmissionID: decision.AdmissionID,
		Monthly:     budgetOf(decision.Monthly),
		Weekly:      budgetOf(decision.Weekly),
	})
}

// Reconcile adjusts an earlier reservation to the measured consumption.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usage, err := h.controller.Reconcile(r.Context(), tenantID, req.RequestedMinutes, req.ActualMinutes)
	if err != nil {
		respondQuotaError(w, err)
		return
	}

	slog.InfoContext(r.Context(), "reservation reconciled",
		logger.TenantID(tenantID),
		logger.RequestedMinutes(req.RequestedMinutes),
		logger.ActualMinutes(req.ActualMinutes),
	)
	respondJSON(w, http.StatusOK, usageResponseOf(usage))
}

// TenantUsage returns both budgets with expired windows rolled forward.
func (h *Handler) TenantUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	usage, err := h.controller.Usage(r.Context(), tenantID)
	if err != nil {
		respondQuotaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usageResponseOf(usage))
}

func (h *Handler) recordAdmission(r *http.Request, allowed bool, reason string, requested float64) {
	if h.quotaMx == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = reason
	}
	h.quotaMx.Admissions.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	h.quotaMx.RequestedMinutes.Record(r.Context(), requested)
}

func budgetOf(status quota.BudgetStatus) budgetResponse {
	b := budgetResponse{
		UsedMinutes:  round2(status.UsedMinutes),
		LimitMinutes: round2(status.LimitMinutes),
		ResetsAt:     status.ResetsAt,
	}
	if remaining := status.Remaining(); remaining > 0 {
		b.RemainingMinutes = round2(remaining)
	}
	if status.LimitMinutes > 0 {
		b.UsedPercent = math.Round(status.UsedMinutes/status.LimitMinutes*1000) / 10
	}
	return b
}

func usageResponseOf(u quota.Usage) usageResponse {
	return usageResponse{
		TenantID: u.TenantID,
		Monthly:  budgetOf(u.Monthly),
		Weekly:   budgetOf(u.Weekly),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
