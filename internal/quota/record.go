package quota

import (
	"math"
	"time"
)

// TenantQuota is the durable per-tenant accounting record. All minute values
// are real numbers; audio durations rarely land on whole minutes.
type TenantQuota struct {
	TenantID string `json:"tenant_id"`

	MonthlyLimitMinutes float64   `json:"monthly_limit_minutes"`
	MonthlyUsedMinutes  float64   `json:"monthly_used_minutes"`
	MonthlyWindowStart  time.Time `json:"monthly_window_start"`

	WeeklyLimitMinutes float64   `json:"weekly_limit_minutes"`
	WeeklyUsedMinutes  float64   `json:"weekly_used_minutes"`
	WeeklyWindowStart  time.Time `json:"weekly_window_start"`

	// Version backs the store's compare-and-swap; it only ever increases.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns an independent copy safe to mutate before a CAS attempt.
func (q *TenantQuota) Clone() *TenantQuota {
	c := *q
	return &c
}

// Period selects one of the two overlapping budget windows.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodWeekly  Period = "weekly"
)

// Valid reports whether p names a known period.
func (p Period) Valid() bool {
	return p == PeriodMonthly || p == PeriodWeekly
}

// Defaults are the limits applied when a tenant record is first created.
type Defaults struct {
	MonthlyLimitMinutes float64
	WeeklyLimitMinutes  float64
}

// BudgetStatus is the used/limit pair reported for one window. ResetsAt is
// set only when the window lapses on its own; a monthly budget with auto
// reset disabled reports none.
type BudgetStatus struct {
	UsedMinutes  float64    `json:"used_minutes"`
	LimitMinutes float64    `json:"limit_minutes"`
	ResetsAt     *time.Time `json:"resets_at,omitempty"`
}

// Remaining is the headroom left in the window, never negative.
func (b BudgetStatus) Remaining() float64 {
	if r := b.LimitMinutes - b.UsedMinutes; r > 0 {
		return r
	}
	return 0
}

// Usage is the read-out of both budgets after lazy rollover.
type Usage struct {
	TenantID string       `json:"tenant_id"`
	Monthly  BudgetStatus `json:"monthly"`
	Weekly   BudgetStatus `json:"weekly"`
}

// MinutesFromSeconds converts an audio duration to minutes, rounded to two
// decimals the way usage figures are reported.
func MinutesFromSeconds(seconds float64) float64 {
	return math.Round(seconds/60*100) / 100
}
