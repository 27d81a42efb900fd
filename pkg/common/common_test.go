package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUUIDint64Unique(t *testing.T) {
	seen := make(map[int64]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := UUIDint64()
		assert.Positive(t, id)
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestSha256HashWithSalt(t *testing.T) {
	a := Sha256HashWithSalt("password", "salt1")
	b := Sha256HashWithSalt("password", "salt2")
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Sha256HashWithSalt("password", "salt1"))
}

func TestDateKey(t *testing.T) {
	ts := time.Date(2026, 3, 7, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-03-07", DateKey(ts))
}

func TestWeekKey(t *testing.T) {
	// ISO week years differ from calendar years at the boundaries
	assert.Equal(t, "2026-W10", WeekKey(time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2020-W53", WeekKey(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}
