package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinutesFromSeconds(t *testing.T) {
	assert.Equal(t, 1.0, MinutesFromSeconds(60))
	assert.Equal(t, 2.5, MinutesFromSeconds(150))
	// 100 seconds is 1.666... minutes, reported as 1.67.
	assert.Equal(t, 1.67, MinutesFromSeconds(100))
	assert.Equal(t, 0.0, MinutesFromSeconds(0))
}

func TestBudgetStatus_Remaining(t *testing.T) {
	assert.Equal(t, 40.0, BudgetStatus{UsedMinutes: 60, LimitMinutes: 100}.Remaining())
	assert.Equal(t, 0.0, BudgetStatus{UsedMinutes: 120, LimitMinutes: 100}.Remaining())
}

func TestTenantQuota_CloneIsIndependent(t *testing.T) {
	rec := &TenantQuota{TenantID: "clinic-a", MonthlyUsedMinutes: 10, Version: 3}
	c := rec.Clone()
	c.MonthlyUsedMinutes = 99
	c.Version = 4

	assert.Equal(t, 10.0, rec.MonthlyUsedMinutes)
	assert.Equal(t, int64(3), rec.Version)
}

func TestPeriod_Valid(t *testing.T) {
	assert.True(t, PeriodMonthly.Valid())
	assert.True(t, PeriodWeekly.Valid())
	assert.False(t, Period("daily").Valid())
	assert.False(t, Period("").Valid())
}
