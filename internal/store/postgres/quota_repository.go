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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/voxquota/voxquota/internal/quota"
)

// QuotaRepository implements quota.Store on PostgreSQL. The version column
// backs the compare-and-swap: every write is conditional on the version the
// caller read, so concurrent mutators serialize per tenant without locks.
type QuotaRepository struct {
	db *DB
}

var _ quota.Store = (*QuotaRepository)(nil)

// NewQuotaRepository creates a new quota repository
func NewQuotaRepository(db *DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

// GetOrCreate returns the tenant's record, inserting a fresh one with the
// default limits on first reference. ON CONFLICT DO NOTHING gives the
// at-most-one-creation guarantee under concurrent first access.
func (r *QuotaRepository) GetOrCreate(ctx context.Context, tenantID string, defaults quota.Defaults) (*quota.TenantQuota, error) {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO tenant_quotas (tenant_id, monthly_limit_minutes, weekly_limit_minutes, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, defaults.MonthlyLimitMinutes, defaults.WeeklyLimitMinutes)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure quota record: %w", err)
	}

	return r.Get(ctx, tenantID)
}

// Get retrieves the tenant's record or quota.ErrTenantNotFound.
func (r *QuotaRepository) Get(ctx context.Context, tenantID string) (*quota.TenantQuota, error) {
	var rec quota.TenantQuota
	var monthlyStart, weeklyStart sql.NullTime

	err := r.db.pool.QueryRow(ctx, `
		SELECT tenant_id, monthly_limit_minutes, monthly_used_minutes, monthly_window_start,
			weekly_limit_minutes, weekly_used_minutes, weekly_window_start,
			version, updated_at
		FROM tenant_quotas
		WHERE tenant_id = $1
	`, tenantID).Scan(
		&rec.TenantID, &rec.MonthlyLimitMinutes, &rec.MonthlyUsedMinutes, &monthlyStart,
		&rec.WeeklyLimitMinutes, &rec.WeeklyUsedMinutes, &weeklyStart,
		&rec.Version, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, quota.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get quota record: %w", err)
	}

	if monthlyStart.Valid {
		rec.MonthlyWindowStart = monthlyStart.Time
	}
	if weeklyStart.Valid {
		rec.WeeklyWindowStart = weeklyStart.Time
	}

	return &rec, nil
}

// CompareAndSwap replaces the record iff the stored version still equals
// expectedVersion. Zero rows affected means another writer got there first.
func (r *QuotaRepository) CompareAndSwap(ctx context.Context, expectedVersion int64, rec *quota.TenantQuota) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenant_quotas
		SET monthly_limit_minutes = $3,
			monthly_used_minutes = $4,
			monthly_window_start = $5,
			weekly_limit_minutes = $6,
			weekly_used_minutes = $7,
			weekly_window_start = $8,
			version = $9,
			updated_at = $10
		WHERE tenant_id = $1 AND version = $2
	`,
		rec.TenantID, expectedVersion,
		rec.MonthlyLimitMinutes, rec.MonthlyUsedMinutes, nullableTime(rec.MonthlyWindowStart),
		rec.WeeklyLimitMinutes, rec.WeeklyUsedMinutes, nullableTime(rec.WeeklyWindowStart),
		rec.Version, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update quota record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return quota.ErrVersionConflict
	}
	return nil
}

// List returns every tenant record ordered by tenant id.
func (r *QuotaRepository) List(ctx context.Context) ([]*quota.TenantQuota, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT tenant_id, monthly_limit_minutes, monthly_used_minutes, monthly_window_start,
			weekly_limit_minutes, weekly_used_minutes, weekly_window_start,
			version, updated_at
		FROM tenant_quotas
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quota records: %w", err)
	}
	defer rows.Close()

	var out []*quota.TenantQuota
	for rows.Next() {
		var rec quota.TenantQuota
		var monthlyStart, weeklyStart sql.NullTime
		if err := rows.Scan(
			&rec.TenantID, &rec.MonthlyLimitMinutes, &rec.MonthlyUsedMinutes, &monthlyStart,
			&rec.WeeklyLimitMinutes, &rec.WeeklyUsedMinutes, &weeklyStart,
			&rec.Version, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan quota record: %w", err)
		}
		if monthlyStart.Valid {
			rec.MonthlyWindowStart = monthlyStart.Time
		}
		if weeklyStart.Valid {
			rec.WeeklyWindowStart = weeklyStart.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
