// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package columnar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGranularityFor_RollsUpToDailyBeyondTwoWeeks(t *testing.T) {
	from := time.Now().Add(-20 * 24 * time.Hour)
	to := time.Now()

	assert.Equal(t, GranularityDay, GranularityFor(from, to))
}

func TestGranularityFor_StaysHourlyWithinTwoWeeks(t *testing.T) {
	from := time.Now().Add(-3 * 24 * time.Hour)
	to := time.Now()

	assert.Equal(t, GranularityHour, GranularityFor(from, to))
}

func TestDeref_ReturnsEmptyStringForNil(t *testing.T) {
	assert.Equal(t, "", deref(nil))

	s := "value"
	assert.Equal(t, "value", deref(&s))
}

func TestDerefInt_ReturnsZeroForNil(t *testing.T) {
	assert.Equal(t, int32(0), derefInt(nil))

	i := 42
	assert.Equal(t, int32(42), derefInt(&i))
}

func TestNonEmpty_ReturnsNilForEmptyString(t *testing.T) {
	assert.Nil(t, nonEmpty(""))

	v := nonEmpty("x")
	if assert.NotNil(t, v) {
		assert.Equal(t, "x", *v)
	}
}

func TestTimeoutFor_SplitsBaseAndRollupBudgets(t *testing.T) {
	store := &Store{}

	assert.Equal(t, baseQueryTimeout, store.timeoutFor("error_logs_columnar"))
	assert.Equal(t, rollupQueryTimeout, store.timeoutFor("error_logs_hourly_rollup"))
	assert.Equal(t, rollupQueryTimeout, store.timeoutFor("error_logs_daily_rollup"))
}

func TestRollupTarget_PicksTableByGranularity(t *testing.T) {
	store := &Store{}

	dayTable, dayBucket := store.rollupTarget(GranularityDay)
	assert.Equal(t, "error_logs_daily_rollup", dayTable)
	assert.NotEmpty(t, dayBucket)

	hourTable, hourBucket := store.rollupTarget(GranularityHour)
	assert.Equal(t, "error_logs_hourly_rollup", hourTable)
	assert.NotEmpty(t, hourBucket)
}
