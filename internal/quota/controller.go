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

package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/voxquota/voxquota/internal/audit"
)

// DenyReason identifies which budget refused an admission.
type DenyReason string

const (
	ReasonMonthlyExceeded DenyReason = "monthly_exceeded"
	ReasonWeeklyExceeded  DenyReason = "weekly_exceeded"
	ReasonBothExceeded    DenyReason = "both_exceeded"
)

// Decision is the outcome of an admission check. A denial is a decision, not
// an error: it always carries both budgets' figures so the caller can render
// an accurate message.
type Decision struct {
	Allowed     bool         `json:"allowed"`
	Reason      DenyReason   `json:"reason,omitempty"`
	AdmissionID string       `json:"admission_id,omitempty"`
	Monthly     BudgetStatus `json:"monthly"`
	Weekly      BudgetStatus `json:"weekly"`
}

// Config carries the controller's startup configuration.
type Config struct {
	Defaults         Defaults
	MonthlyAutoReset bool
	MaxRetries       int
	Clock            Clock
}

const defaultMaxRetries = 5

// Controller meters transcription minutes per tenant against overlapping
// monthly and weekly budgets. Every mutation follows the same protocol: read
// a snapshot, lazily roll expired windows, compute the new state, and
// compare-and-swap. A lost CAS re-reads and recomputes; the decision is never
// blindly reapplied to fresh state.
type Controller struct {
	store       Store
	windows     *Calculator
	cfg         Config
	auditLogger audit.Logger
}

// NewController creates a quota controller.
func NewController(store Store, windows *Calculator, cfg Config, auditLogger audit.Logger) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Controller{
		store:       store,
		windows:     windows,
		cfg:         cfg,
		auditLogger: auditLogger,
	}
}

// Admit decides whether the tenant may consume approximately requested
// minutes. On admission the amount is optimistically charged to both windows;
// the caller must Reconcile with the actual consumption afterwards.
// Unreconciled reservations stay charged.
func (c *Controller) Admit(ctx context.Context, tenantID string, requested float64) (Decision, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Decision{}, err
	}
	if err := validateMinutes(requested); err != nil {
		return Decision{}, err
	}

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		rec, err := c.store.GetOrCreate(ctx, tenantID, c.cfg.Defaults)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		if rec.MonthlyWindowStart.IsZero() && rec.WeeklyWindowStart.IsZero() {
			// Zero window starts only exist on a freshly created record.
			c.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTenantRegistered,
				TenantID: tenantID,
				Metadata: map[string]any{
					"monthly_limit_minutes": rec.MonthlyLimitMinutes,
					"weekly_limit_minutes":  rec.WeeklyLimitMinutes,
				},
			})
		}

		now := c.cfg.Clock.Now()
		next := rec.Clone()
		rolled := c.rollover(next, now)

		monthlyOK := next.MonthlyUsedMinutes+requested <= next.MonthlyLimitMinutes
		weeklyOK := next.WeeklyUsedMinutes+requested <= next.WeeklyLimitMinutes

		if !monthlyOK || !weeklyOK {
			monthly, weekly := c.budgets(next, now)
			decision := Decision{
				Allowed: false,
				Reason:  denyReason(monthlyOK, weeklyOK),
				Monthly: monthly,
				Weekly:  weekly,
			}
			if rolled {
				// Persist the rollover so window starts stay current; a lost
				// race just means someone else already did.
				if err := c.swap(ctx, rec.Version, next, now); err != nil {
					if errors.Is(err, ErrVersionConflict) {
						continue
					}
					return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
				}
			}
			c.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeAdmissionDenied,
				TenantID: tenantID,
				Resource: string(decision.Reason),
				Metadata: map[string]any{
					"requested_minutes": requested,
					"monthly_used":      next.MonthlyUsedMinutes,
					"monthly_limit":     next.MonthlyLimitMinutes,
					"weekly_used":       next.WeeklyUsedMinutes,
					"weekly_limit":      next.WeeklyLimitMinutes,
				},
			})
			return decision, nil
		}

		next.MonthlyUsedMinutes += requested
		next.WeeklyUsedMinutes += requested

		if err := c.swap(ctx, rec.Version, next, now); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		c.warnNearLimit(ctx, next)
		monthly, weekly := c.budgets(next, now)
		return Decision{
			Allowed:     true,
			AdmissionID: uuid.New().String(),
			Monthly:     monthly,
			Weekly:      weekly,
		}, nil
	}

	return Decision{}, fmt.Errorf("%w: compare-and-swap retries exhausted", ErrUnavailable)
}

// Reconcile adjusts an earlier reservation to the measured consumption. The
// delta (actual - requested) is applied to whichever windows are current at
// reconciliation time; closed windows are not retained and never corrected
// retroactively. Counters are clamped at zero on refunds.
func (c *Controller) Reconcile(ctx context.Context, tenantID string, requested, actual float64) (Usage, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Usage{}, err
	}
	if err := validateMinutes(requested); err != nil {
		return Usage{}, err
	}
	if err := validateMinutes(actual); err != nil {
		return Usage{}, err
	}

	delta := actual - requested
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		rec, err := c.store.GetOrCreate(ctx, tenantID, c.cfg.Defaults)
		if err != nil {
			return Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		now := c.cfg.Clock.Now()
		next := rec.Clone()
		c.rollover(next, now)

		next.MonthlyUsedMinutes = clampZero(next.MonthlyUsedMinutes + delta)
		next.WeeklyUsedMinutes = clampZero(next.WeeklyUsedMinutes + delta)

		if err := c.swap(ctx, rec.Version, next, now); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		c.warnNearLimit(ctx, next)
		return c.usageView(next, now), nil
	}

	return Usage{}, fmt.Errorf("%w: compare-and-swap retries exhausted", ErrUnavailable)
}

// Usage returns both budgets with expired windows rolled forward in the view.
// The read itself does not force a write; the next mutation persists the
// rollover.
func (c *Controller) Usage(ctx context.Context, tenantID string) (Usage, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Usage{}, err
	}

	rec, err := c.store.GetOrCreate(ctx, tenantID, c.cfg.Defaults)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	now := c.cfg.Clock.Now()
	view := rec.Clone()
	c.rollover(view, now)
	return c.usageView(view, now), nil
}

// Overview returns the rolled usage view of every known tenant.
func (c *Controller) Overview(ctx context.Context) ([]Usage, error) {
	recs, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	now := c.cfg.Clock.Now()
	out := make([]Usage, 0, len(recs))
	for _, rec := range recs {
		view := rec.Clone()
		c.rollover(view, now)
		out = append(out, c.usageView(view, now))
	}
	return out, nil
}

// SetLimits replaces both limits without touching the used counters.
func (c *Controller) SetLimits(ctx context.Context, tenantID string, monthlyLimit, weeklyLimit float64, actor string) (Usage, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Usage{}, err
	}
	if err := validateMinutes(monthlyLimit); err != nil {
		return Usage{}, err
	}
	if err := validateMinutes(weeklyLimit); err != nil {
		return Usage{}, err
	}

	usage, err := c.adminMutate(ctx, tenantID, func(rec *TenantQuota) {
		rec.MonthlyLimitMinutes = monthlyLimit
		rec.WeeklyLimitMinutes = weeklyLimit
	})
	if err != nil {
		return Usage{}, err
	}

	c.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLimitsUpdated,
		TenantID: tenantID,
		ActorID:  actor,
		Metadata: map[string]any{
			"monthly_limit_minutes": monthlyLimit,
			"weekly_limit_minutes":  weeklyLimit,
		},
	})
	return usage, nil
}

// ForceReset zeroes the given window's counter and re-anchors its start to
// now, regardless of the auto-reset configuration. This is the only way a
// window moves other than forward rollover.
func (c *Controller) ForceReset(ctx context.Context, tenantID string, period Period, actor string) (Usage, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Usage{}, err
	}
	if !period.Valid() {
		return Usage{}, fmt.Errorf("%w: unknown period %q", ErrInvalidInput, period)
	}

	now := c.cfg.Clock.Now()
	usage, err := c.adminMutate(ctx, tenantID, func(rec *TenantQuota) {
		switch period {
		case PeriodMonthly:
			rec.MonthlyUsedMinutes = 0
			rec.MonthlyWindowStart = now
		case PeriodWeekly:
			rec.WeeklyUsedMinutes = 0
			rec.WeeklyWindowStart = now
		}
	})
	if err != nil {
		return Usage{}, err
	}

	c.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeQuotaReset,
		TenantID: tenantID,
		ActorID:  actor,
		Resource: string(period),
	})
	return usage, nil
}

// AddBonusMinutes raises the monthly limit by the given amount. A top-up is a
// limit mutation, never a negative charge: it shows up as extra headroom, not
// as negative usage.
func (c *Controller) AddBonusMinutes(ctx context.Context, tenantID string, minutes float64, actor string) (Usage, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Usage{}, err
	}
	if err := validateMinutes(minutes); err != nil {
		return Usage{}, err
	}

	usage, err := c.adminMutate(ctx, tenantID, func(rec *TenantQuota) {
		rec.MonthlyLimitMinutes += minutes
	})
	if err != nil {
		return Usage{}, err
	}

	c.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeBonusGranted,
		TenantID: tenantID,
		ActorID:  actor,
		Metadata: map[string]any{"bonus_minutes": minutes},
	})
	return usage, nil
}

// adminMutate runs the shared read-rollover-mutate-CAS loop for admin
// operations. Unlike Admit it never auto-creates: targeting an unknown tenant
// is ErrTenantNotFound.
func (c *Controller) adminMutate(ctx context.Context, tenantID string, mutate func(*TenantQuota)) (Usage, error) {
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		rec, err := c.store.Get(ctx, tenantID)
		if err != nil {
			if errors.Is(err, ErrTenantNotFound) {
				return Usage{}, ErrTenantNotFound
			}
			return Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		now := c.cfg.Clock.Now()
		next := rec.Clone()
		c.rollover(next, now)
		mutate(next)

		if err := c.swap(ctx, rec.Version, next, now); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return Usage{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return c.usageView(next, now), nil
	}

	return Usage{}, fmt.Errorf("%w: compare-and-swap retries exhausted", ErrUnavailable)
}

// rollover applies lazy window resets to rec in place and reports whether
// anything changed. Rolling is strictly forward: an expired window gets a
// zeroed counter and a start anchored to the window containing now. The
// monthly window honours the no-auto-reset flag; weekly always rolls. A zero
// window start marks a freshly created record and is anchored without
// touching the (already zero) counter.
func (c *Controller) rollover(rec *TenantQuota, now time.Time) bool {
	changed := false

	if rec.MonthlyWindowStart.IsZero() {
		rec.MonthlyWindowStart = c.windows.WindowStart(now, PeriodMonthly)
		changed = true
	} else if c.cfg.MonthlyAutoReset && c.windows.IsExpired(rec.MonthlyWindowStart, now, PeriodMonthly) {
		rec.MonthlyUsedMinutes = 0
		rec.MonthlyWindowStart = c.windows.WindowStart(now, PeriodMonthly)
		changed = true
	}

	if rec.WeeklyWindowStart.IsZero() {
		rec.WeeklyWindowStart = c.windows.WindowStart(now, PeriodWeekly)
		changed = true
	} else if c.windows.IsExpired(rec.WeeklyWindowStart, now, PeriodWeekly) {
		rec.WeeklyUsedMinutes = 0
		rec.WeeklyWindowStart = c.windows.WindowStart(now, PeriodWeekly)
		changed = true
	}

	return changed
}

// budgets builds the reported view of both windows. ResetsAt is filled in
// only for windows that lapse on their own.
func (c *Controller) budgets(rec *TenantQuota, now time.Time) (BudgetStatus, BudgetStatus) {
	monthly := BudgetStatus{UsedMinutes: rec.MonthlyUsedMinutes, LimitMinutes: rec.MonthlyLimitMinutes}
	weekly := BudgetStatus{UsedMinutes: rec.WeeklyUsedMinutes, LimitMinutes: rec.WeeklyLimitMinutes}
	if c.cfg.MonthlyAutoReset {
		t := c.windows.NextReset(now, PeriodMonthly)
		monthly.ResetsAt = &t
	}
	t := c.windows.NextReset(now, PeriodWeekly)
	weekly.ResetsAt = &t
	return monthly, weekly
}

func (c *Controller) usageView(rec *TenantQuota, now time.Time) Usage {
	monthly, weekly := c.budgets(rec, now)
	return Usage{TenantID: rec.TenantID, Monthly: monthly, Weekly: weekly}
}

func (c *Controller) swap(ctx context.Context, expectedVersion int64, rec *TenantQuota, now time.Time) error {
	rec.Version = expectedVersion + 1
	rec.UpdatedAt = now
	return c.store.CompareAndSwap(ctx, expectedVersion, rec)
}

// warnNearLimit logs when a charge leaves a tenant at or beyond 90% of either
// budget, so operators see exhaustion coming.
func (c *Controller) warnNearLimit(ctx context.Context, rec *TenantQuota) {
	if rec.MonthlyLimitMinutes > 0 {
		if pct := rec.MonthlyUsedMinutes / rec.MonthlyLimitMinutes * 100; pct >= 90 {
			slog.WarnContext(ctx, "monthly quota nearly exhausted",
				slog.String("tenant_id", rec.TenantID),
				slog.Float64("used_minutes", rec.MonthlyUsedMinutes),
				slog.Float64("limit_minutes", rec.MonthlyLimitMinutes),
				slog.Float64("used_percent", pct),
			)
		}
	}
	if rec.WeeklyLimitMinutes > 0 {
		if pct := rec.WeeklyUsedMinutes / rec.WeeklyLimitMinutes * 100; pct >= 90 {
			slog.WarnContext(ctx, "weekly quota nearly exhausted",
				slog.String("tenant_id", rec.TenantID),
				slog.Float64("used_minutes", rec.WeeklyUsedMinutes),
				slog.Float64("limit_minutes", rec.WeeklyLimitMinutes),
				slog.Float64("used_percent", pct),
			)
		}
	}
}

func denyReason(monthlyOK, weeklyOK bool) DenyReason {
	switch {
	case !monthlyOK && !weeklyOK:
		return ReasonBothExceeded
	case !monthlyOK:
		return ReasonMonthlyExceeded
	default:
		return ReasonWeeklyExceeded
	}
}

func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func validateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: tenant id too long", ErrInvalidInput)
	}
	return nil
}

func validateMinutes(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: minutes must be finite", ErrInvalidInput)
	}
	if v < 0 {
		return fmt.Errorf("%w: minutes must not be negative", ErrInvalidInput)
	}
	return nil
}
