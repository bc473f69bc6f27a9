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
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voxquota/voxquota/internal/audit"
)

// fakeClock is an adjustable time source for driving window rollovers.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// captureAudit records events; safe for concurrent use.
type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAudit) Log(_ context.Context, e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureAudit) byType(eventType string) []audit.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []audit.Event
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	store *MemoryStore
	clock *fakeClock
	audit *captureAudit
	ctrl  *Controller
}

// Tuesday, 2026-03-10. The containing week starts Monday 2026-03-09.
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		store: NewMemoryStore(),
		clock: &fakeClock{now: testNow},
		audit: &captureAudit{},
	}
	if cfg.Defaults == (Defaults{}) {
		cfg.Defaults = Defaults{MonthlyLimitMinutes: 3000, WeeklyLimitMinutes: 750}
	}
	cfg.Clock = env.clock
	env.ctrl = NewController(env.store, NewCalculator(time.UTC), cfg, env.audit)
	return env
}

func TestController_Admit_FirstUseCreatesRecord(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	d, err := env.ctrl.Admit(ctx, "clinic-a", 12.5)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.NotEmpty(t, d.AdmissionID)
	assert.Equal(t, 12.5, d.Monthly.UsedMinutes)
	assert.Equal(t, 3000.0, d.Monthly.LimitMinutes)
	assert.Equal(t, 12.5, d.Weekly.UsedMinutes)
	assert.Equal(t, 750.0, d.Weekly.LimitMinutes)

	rec, err := env.store.Get(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), rec.MonthlyWindowStart)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), rec.WeeklyWindowStart)
}

func TestController_Admit_BoundaryEqualityAllowed(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 0)
	require.NoError(t, err)
	_, err = env.ctrl.SetLimits(ctx, "clinic-a", 100, 100, "test")
	require.NoError(t, err)

	d, err := env.ctrl.Admit(ctx, "clinic-a", 100)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "requested == remaining headroom must be admitted")
	assert.Equal(t, 100.0, d.Monthly.UsedMinutes)

	d, err = env.ctrl.Admit(ctx, "clinic-a", 0.01)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestController_Admit_WeeklyExceeded(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	// 800 > 750 weekly even though the monthly budget has room.
	d, err := env.ctrl.Admit(ctx, "clinic-a", 800)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonWeeklyExceeded, d.Reason)
	assert.Equal(t, 0.0, d.Weekly.UsedMinutes)
	assert.Equal(t, 750.0, d.Weekly.LimitMinutes)
	assert.Equal(t, 3000.0, d.Monthly.LimitMinutes)

	// Nothing was charged.
	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.Weekly.UsedMinutes)

	denied := env.audit.byType(audit.TypeAdmissionDenied)
	require.Len(t, denied, 1)
	assert.Equal(t, "clinic-a", denied[0].TenantID)
}

func TestController_Admit_BothExceeded(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 0)
	require.NoError(t, err)
	_, err = env.ctrl.SetLimits(ctx, "clinic-a", 10, 10, "test")
	require.NoError(t, err)

	d, err := env.ctrl.Admit(ctx, "clinic-a", 20)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonBothExceeded, d.Reason)
}

func TestController_Reconcile_AdjustsToActual(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 10)
	require.NoError(t, err)

	// Actual consumption came in lower than the estimate.
	u, err := env.ctrl.Reconcile(ctx, "clinic-a", 10, 7.5)
	require.NoError(t, err)
	assert.Equal(t, 7.5, u.Monthly.UsedMinutes)
	assert.Equal(t, 7.5, u.Weekly.UsedMinutes)

	// And a second operation ran longer than estimated.
	_, err = env.ctrl.Admit(ctx, "clinic-a", 5)
	require.NoError(t, err)
	u, err = env.ctrl.Reconcile(ctx, "clinic-a", 5, 9.25)
	require.NoError(t, err)
	assert.Equal(t, 16.75, u.Monthly.UsedMinutes)
}

func TestController_Reconcile_RefundClampedAtZero(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 5)
	require.NoError(t, err)

	// Refund larger than current usage must clamp, never go negative.
	u, err := env.ctrl.Reconcile(ctx, "clinic-a", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.Monthly.UsedMinutes)
	assert.Equal(t, 0.0, u.Weekly.UsedMinutes)
}

func TestController_Reconcile_AfterRolloverChargesCurrentWindow(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 10)
	require.NoError(t, err)

	// Both windows roll before the reconciliation arrives.
	env.clock.Set(time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC))

	u, err := env.ctrl.Reconcile(ctx, "clinic-a", 10, 12)
	require.NoError(t, err)
	// The delta (+2) lands in the fresh windows; the old charge is gone with
	// the closed window.
	assert.Equal(t, 2.0, u.Monthly.UsedMinutes)
	assert.Equal(t, 2.0, u.Weekly.UsedMinutes)
}

func TestController_WeeklyRollover(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 100)
	require.NoError(t, err)

	// Monday 2026-03-16 00:00 crosses the weekly boundary but stays in March.
	env.clock.Set(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))

	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.Weekly.UsedMinutes)
	assert.Equal(t, 100.0, u.Monthly.UsedMinutes, "monthly window is unchanged mid-month")
}

func TestController_MonthlyRollover_AutoReset(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 200)
	require.NoError(t, err)

	env.clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))

	d, err := env.ctrl.Admit(ctx, "clinic-a", 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.Monthly.UsedMinutes, "first admit after the boundary sees a fresh window")

	rec, err := env.store.Get(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), rec.MonthlyWindowStart)
}

func TestController_MonthlyRollover_DisabledPersistsUsage(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: false})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 200)
	require.NoError(t, err)

	env.clock.Set(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))

	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 200.0, u.Monthly.UsedMinutes, "usage survives the boundary without auto-reset")
	assert.Equal(t, 0.0, u.Weekly.UsedMinutes, "weekly always auto-rolls")

	// Only an explicit reset clears it.
	u, err = env.ctrl.ForceReset(ctx, "clinic-a", PeriodMonthly, "ops")
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.Monthly.UsedMinutes)

	resets := env.audit.byType(audit.TypeQuotaReset)
	require.Len(t, resets, 1)
	assert.Equal(t, "ops", resets[0].ActorID)
	assert.Equal(t, string(PeriodMonthly), resets[0].Resource)
}

func TestController_ForceReset_ReanchorsWindow(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 50)
	require.NoError(t, err)

	_, err = env.ctrl.ForceReset(ctx, "clinic-a", PeriodWeekly, "ops")
	require.NoError(t, err)

	rec, err := env.store.Get(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.WeeklyUsedMinutes)
	assert.Equal(t, env.clock.Now(), rec.WeeklyWindowStart)
	assert.Equal(t, 50.0, rec.MonthlyUsedMinutes, "monthly counter untouched")
}

func TestController_SetLimits_PreservesCounters(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 30)
	require.NoError(t, err)

	u, err := env.ctrl.SetLimits(ctx, "clinic-a", 5000, 1200, "ops")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, u.Monthly.LimitMinutes)
	assert.Equal(t, 1200.0, u.Weekly.LimitMinutes)
	assert.Equal(t, 30.0, u.Monthly.UsedMinutes)
	assert.Equal(t, 30.0, u.Weekly.UsedMinutes)
}

func TestController_AddBonusMinutes(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 100)
	require.NoError(t, err)

	u, err := env.ctrl.AddBonusMinutes(ctx, "clinic-a", 500, "ops")
	require.NoError(t, err)
	assert.Equal(t, 3500.0, u.Monthly.LimitMinutes, "top-up raises the limit")
	assert.Equal(t, 100.0, u.Monthly.UsedMinutes, "usage is untouched")
	assert.Equal(t, 750.0, u.Weekly.LimitMinutes)

	bonuses := env.audit.byType(audit.TypeBonusGranted)
	require.Len(t, bonuses, 1)
}

func TestController_AdminOps_TenantNotFound(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.SetLimits(ctx, "ghost", 100, 100, "ops")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = env.ctrl.ForceReset(ctx, "ghost", PeriodMonthly, "ops")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	_, err = env.ctrl.AddBonusMinutes(ctx, "ghost", 10, "ops")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestController_InvalidInput(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ctrl.Admit(ctx, "clinic-a", -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ctrl.Admit(ctx, "clinic-a", math.NaN())
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ctrl.Reconcile(ctx, "clinic-a", 10, math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.ctrl.ForceReset(ctx, "clinic-a", Period("daily"), "ops")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestController_UnreconciledReservationStaysCharged(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	_, err := env.ctrl.Admit(ctx, "clinic-a", 42)
	require.NoError(t, err)

	// The caller went away without reconciling: the estimate stands.
	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 42.0, u.Monthly.UsedMinutes)
}

func TestController_SequenceAccounting(t *testing.T) {
	env := newTestEnv(t, Config{MonthlyAutoReset: true})
	ctx := context.Background()

	// Reconciled operations count their actuals; the abandoned one keeps its
	// estimate.
	ops := []struct {
		requested  float64
		actual     float64
		reconciled bool
	}{
		{10, 8, true},
		{20, 23.5, true},
		{5, 0, false},
		{7.25, 7.25, true},
	}

	want := 0.0
	for _, op := range ops {
		d, err := env.ctrl.Admit(ctx, "clinic-a", op.requested)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		if op.reconciled {
			_, err = env.ctrl.Reconcile(ctx, "clinic-a", op.requested, op.actual)
			require.NoError(t, err)
			want += op.actual
		} else {
			want += op.requested
		}
	}

	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.InDelta(t, want, u.Monthly.UsedMinutes, 1e-9)
	assert.InDelta(t, want, u.Weekly.UsedMinutes, 1e-9)
}

func TestController_ConcurrentAdmissions_ExactBudget(t *testing.T) {
	// A generous retry budget: under full contention every lost CAS implies
	// someone else's success, so retries are bounded by the request count.
	env := newTestEnv(t, Config{
		Defaults:         Defaults{MonthlyLimitMinutes: 100, WeeklyLimitMinutes: 100},
		MonthlyAutoReset: true,
		MaxRetries:       200,
	})
	ctx := context.Background()

	const requests = 150
	var allowed, denied atomic.Int64
	var wg sync.WaitGroup

	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func() {
			defer wg.Done()
			d, err := env.ctrl.Admit(ctx, "clinic-a", 1)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed.Load())
	assert.Equal(t, int64(50), denied.Load())

	u, err := env.ctrl.Usage(ctx, "clinic-a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, u.Monthly.UsedMinutes)
	assert.Equal(t, 100.0, u.Weekly.UsedMinutes)
}

// alwaysConflictStore forces every CAS to lose, simulating pathological
// contention.
type alwaysConflictStore struct {
	Store
}

func (s *alwaysConflictStore) CompareAndSwap(context.Context, int64, *TenantQuota) error {
	return ErrVersionConflict
}

func TestController_RetryBudgetExhausted_Unavailable(t *testing.T) {
	clock := &fakeClock{now: testNow}
	store := &alwaysConflictStore{Store: NewMemoryStore()}
	ctrl := NewController(store, NewCalculator(time.UTC), Config{
		Defaults:         Defaults{MonthlyLimitMinutes: 100, WeeklyLimitMinutes: 100},
		MonthlyAutoReset: true,
		MaxRetries:       3,
		Clock:            clock,
	}, &captureAudit{})

	_, err := ctrl.Admit(context.Background(), "clinic-a", 1)
	assert.ErrorIs(t, err, ErrUnavailable, "an unresolved conflict must never admit")

	_, err = ctrl.Reconcile(context.Background(), "clinic-a", 1, 2)
	assert.ErrorIs(t, err, ErrUnavailable)
}
