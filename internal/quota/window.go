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
	"fmt"
	"time"
)

// Calculator maps timestamps to budget windows. Monthly windows are calendar
// months; weekly windows run Monday 00:00 to Monday 00:00. All boundaries are
// evaluated in a single configured location so a tenant's windows do not
// shift with the caller's zone.
type Calculator struct {
	loc *time.Location
}

// NewCalculator creates a window calculator for the given location.
func NewCalculator(loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{loc: loc}
}

// WindowID returns the identity of the window containing t. Two timestamps
// share an id iff they fall inside the same window.
func (c *Calculator) WindowID(t time.Time, period Period) string {
	switch period {
	case PeriodWeekly:
		ws := c.WindowStart(t, PeriodWeekly)
		return fmt.Sprintf("%04d-%02d-%02d", ws.Year(), ws.Month(), ws.Day())
	default:
		lt := t.In(c.loc)
		return fmt.Sprintf("%04d-%02d", lt.Year(), lt.Month())
	}
}

// WindowStart returns the first instant of the window containing t.
func (c *Calculator) WindowStart(t time.Time, period Period) time.Time {
	lt := t.In(c.loc)
	if period == PeriodWeekly {
		// Monday anchor: Weekday() counts Sunday as 0.
		daysSinceMonday := (int(lt.Weekday()) + 6) % 7
		midnight := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
		return midnight.AddDate(0, 0, -daysSinceMonday)
	}
	return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, c.loc)
}

// NextReset returns the first instant of the window after the one
// containing t, i.e. when the current window's counter lapses.
func (c *Calculator) NextReset(t time.Time, period Period) time.Time {
	start := c.WindowStart(t, period)
	if period == PeriodWeekly {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 1, 0)
}

// IsExpired reports whether windowStart belongs to an earlier window than
// the one containing now.
func (c *Calculator) IsExpired(windowStart, now time.Time, period Period) bool {
	return c.WindowID(windowStart, period) != c.WindowID(now, period)
}

// Location returns the zone windows are computed in.
func (c *Calculator) Location() *time.Location { return c.loc }
