package downloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seedwarden/internal/domain"
)

func TestGoalReached(t *testing.T) {
	hour := time.Hour
	tests := []struct {
		name       string
		goal       domain.Goal
		ratio      float64
		seedingFor time.Duration
		reason     string
		met        bool
	}{
		{"nothing configured", domain.Goal{StopMode: domain.StopAny}, 5.0, 10 * hour, "", false},
		{"any ratio met", domain.Goal{TargetRatio: 1.0, StopMode: domain.StopAny}, 1.0, 0, "ratio", true},
		{"any ratio not met", domain.Goal{TargetRatio: 1.0, StopMode: domain.StopAny}, 0.99, 0, "", false},
		{"any duration met", domain.Goal{SeedDuration: hour, StopMode: domain.StopAny}, 0, hour, "duration", true},
		{"any duration not met", domain.Goal{SeedDuration: hour, StopMode: domain.StopAny}, 0, 59 * time.Minute, "", false},
		{"any both set ratio first", domain.Goal{TargetRatio: 1.0, SeedDuration: hour, StopMode: domain.StopAny}, 1.2, time.Minute, "ratio", true},
		{"any both set duration first", domain.Goal{TargetRatio: 2.0, SeedDuration: hour, StopMode: domain.StopAny}, 0.5, 2 * hour, "duration", true},
		{"all only ratio met", domain.Goal{TargetRatio: 1.0, SeedDuration: hour, StopMode: domain.StopAll}, 1.5, time.Minute, "", false},
		{"all only duration met", domain.Goal{TargetRatio: 1.0, SeedDuration: hour, StopMode: domain.StopAll}, 0.5, 2 * hour, "", false},
		{"all both met", domain.Goal{TargetRatio: 1.0, SeedDuration: hour, StopMode: domain.StopAll}, 1.0, hour, "ratio+duration", true},
		{"all single ratio goal", domain.Goal{TargetRatio: 1.0, StopMode: domain.StopAll}, 1.0, 0, "ratio", true},
		{"all single duration goal", domain.Goal{SeedDuration: hour, StopMode: domain.StopAll}, 0, hour, "duration", true},
		{"all nothing configured", domain.Goal{StopMode: domain.StopAll}, 5.0, 10 * hour, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, met := goalReached(tt.goal, tt.ratio, tt.seedingFor)
			assert.Equal(t, tt.met, met)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestEnforceGoalsRatioStop(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{TargetRatio: 1.0, StopMode: domain.StopAny})

	// Completing with a full ratio triggers the stop in the same cycle.
	driveSeeding(t, m, fs, fp, testTotalBytes)

	snap, err := m.Snapshot(fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinished, snap.State)
	assert.Zero(t, snap.Stats.UploadRate)
	assert.True(t, fs.isPaused(fp), "finished transfer should be paused, not dropped")

	// The engine handle survives the stop so files can still be removed.
	require.NoError(t, m.Remove(fp, true))
	deleted, ok := fs.stoppedWith(fp)
	require.True(t, ok)
	assert.True(t, deleted)
}

func TestEnforceGoalsDurationStop(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{SeedDuration: time.Hour, StopMode: domain.StopAny})
	driveSeeding(t, m, fs, fp, 0)
	require.Equal(t, domain.StateSeeding, stateOf(t, m, fp))

	// Not yet.
	m.cycle()
	require.Equal(t, domain.StateSeeding, stateOf(t, m, fp))

	rec := m.reg.get(fp)
	rec.mu.Lock()
	rec.seedStart = rec.seedStart.Add(-2 * time.Hour)
	rec.mu.Unlock()

	m.cycle()
	assert.Equal(t, domain.StateFinished, stateOf(t, m, fp))
}

func TestEnforceGoalsAllMode(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{
		TargetRatio:  1.0,
		SeedDuration: time.Hour,
		StopMode:     domain.StopAll,
	})

	// Ratio satisfied, duration not: keep seeding.
	driveSeeding(t, m, fs, fp, testTotalBytes)
	require.Equal(t, domain.StateSeeding, stateOf(t, m, fp))

	rec := m.reg.get(fp)
	rec.mu.Lock()
	rec.seedStart = rec.seedStart.Add(-2 * time.Hour)
	rec.mu.Unlock()

	m.cycle()
	assert.Equal(t, domain.StateFinished, stateOf(t, m, fp))
}

func TestStopSeedingExplicit(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveSeeding(t, m, fs, fp, testTotalBytes/2)

	require.NoError(t, m.StopSeeding(fp))
	assert.Equal(t, domain.StateFinished, stateOf(t, m, fp))
	assert.True(t, fs.isPaused(fp))

	// Idempotent once finished.
	require.NoError(t, m.StopSeeding(fp))

	// Only seeding transfers can be stopped this way.
	fp2 := addTransfer(t, m, "other.m4b", domain.Goal{})
	assert.ErrorIs(t, m.StopSeeding(fp2), domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.StopSeeding("deadbeef"), domain.ErrNotFound)
}

func TestNoGoalSeedsIndefinitely(t *testing.T) {
	m, fs := newTestManager(t)
	fp := addTransfer(t, m, "book.m4b", domain.Goal{})
	driveSeeding(t, m, fs, fp, testTotalBytes*10)

	rec := m.reg.get(fp)
	rec.mu.Lock()
	rec.seedStart = rec.seedStart.Add(-240 * time.Hour)
	rec.mu.Unlock()

	m.cycle()
	assert.Equal(t, domain.StateSeeding, stateOf(t, m, fp))
	assert.False(t, fs.isPaused(fp))
}
