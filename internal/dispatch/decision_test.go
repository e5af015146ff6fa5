package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide_EmptySendAtIsImmediate(t *testing.T) {
	d := NewDecider(time.UTC)

	got, err := d.Decide("", time.Now())
	assert.NoError(t, err)
	assert.Equal(t, Immediate, got.Kind)
}

func TestDecide_NowIsImmediate(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	d := NewDecider(loc)
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, loc)

	// Exactly equal to now must send immediately, not schedule.
	got, err := d.Decide("2025-09-15 10:00:00", now)
	assert.NoError(t, err)
	assert.Equal(t, Immediate, got.Kind)
}

func TestDecide_PastIsImmediate(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	d := NewDecider(loc)
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, loc)

	got, err := d.Decide("2025-09-14 23:59:59", now)
	assert.NoError(t, err)
	assert.Equal(t, Immediate, got.Kind)
}

func TestDecide_FutureIsScheduled(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	d := NewDecider(loc)
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, loc)

	// One second in the future schedules with the exact requested time.
	got, err := d.Decide("2025-09-15 10:00:01", now)
	assert.NoError(t, err)
	assert.Equal(t, Scheduled, got.Kind)
	assert.True(t, got.DueTime.Equal(time.Date(2025, 9, 15, 10, 0, 1, 0, loc)))
}

func TestDecide_UnparsableSendAt(t *testing.T) {
	d := NewDecider(time.UTC)

	_, err := d.Decide("tomorrow-ish", time.Now())
	assert.ErrorIs(t, err, ErrInvalidSendAt)
}

func TestDecide_NowInDifferentZone(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	d := NewDecider(loc)

	// now expressed in UTC, sendAt in the canonical zone; comparison must
	// still be correct.
	now := time.Date(2025, 9, 15, 4, 30, 0, 0, time.UTC) // 10:00 IST
	got, err := d.Decide("2025-09-15 10:00:00", now)
	assert.NoError(t, err)
	assert.Equal(t, Immediate, got.Kind)

	got, err = d.Decide("2025-09-15 10:00:01", now)
	assert.NoError(t, err)
	assert.Equal(t, Scheduled, got.Kind)
}
