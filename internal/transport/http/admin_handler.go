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
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/voxquota/voxquota/internal/quota"
)

type setLimitsRequest struct {
	MonthlyLimitMinutes float64 `json:"monthly_limit_minutes"`
	WeeklyLimitMinutes  float64 `json:"weekly_limit_minutes"`
}

type forceResetRequest struct {
	Period string `json:"period"`
}

type bonusRequest struct {
	Minutes float64 `json:"minutes"`
}

// SetLimits replaces a tenant's limits without touching usage counters.
func (h *Handler) SetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req setLimitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usage, err := h.controller.SetLimits(r.Context(), tenantID, req.MonthlyLimitMinutes, req.WeeklyLimitMinutes, adminActor(r.Context()))
	if err != nil {
		respondQuotaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usageResponseOf(usage))
}

// ForceReset zeroes one window's counter and re-anchors it to now, regardless
// of the auto-reset configuration.
func (h *Handler) ForceReset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req forceResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usage, err := h.controller.ForceReset(r.Context(), tenantID, quota.Period(req.Period), adminActor(r.Context()))
	if err != nil {
		respondQuotaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usageResponseOf(usage))
}

// AddBonusMinutes tops up the monthly limit.
func (h *Handler) AddBonusMinutes(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req bonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	usage, err := h.controller.AddBonusMinutes(r.Context(), tenantID, req.Minutes, adminActor(r.Context()))
	if err != nil {
		respondQuotaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, usageResponseOf(usage))
}

// UsageOverview lists every tenant's rolled usage view for the admin panel.
func (h *Handler) UsageOverview(w http.ResponseWriter, r *http.Request) {
	usages, err := h.controller.Overview(r.Context())
	if err != nil {
		respondQuotaError(w, err)
		return
	}

	out := make([]usageResponse, 0, len(usages))
	for _, u := range usages {
		out = append(out, usageResponseOf(u))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenants": out,
		"count":   len(out),
	})
}
