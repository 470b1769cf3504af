package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/greenline-data/canopy.count/internal/db"
)

func TestRunOnceDrainsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		img := benchPhoto(4)
		imageID := "img-drain"
		f.images.Images[imageID] = img
		s, err := f.db.CreateSession(ctx, imageID, "bench-4", "basil-12cm")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	runner := NewRunner(f.coord, 2)
	require.NoError(t, runner.RunOnce(ctx))

	for _, id := range ids {
		got, err := f.db.GetSession(ctx, id)
		require.NoError(t, err)
		require.Equal(t, db.StateCompleted, got.State)
		require.Equal(t, 4, got.DetectedCount)
	}

	counts, err := f.db.CountSessionsByState(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[db.StatePending])
}

func TestRunOnceEmptyQueue(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.coord, 2)
	require.NoError(t, runner.RunOnce(context.Background()))
}

func TestReprocessFailedClonesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A session whose photo is missing fails on first run.
	s, err := f.db.CreateSession(ctx, "img-gone", "bench-4", "basil-12cm")
	require.NoError(t, err)
	runner := NewRunner(f.coord, 1)
	require.NoError(t, runner.RunOnce(ctx))

	got, err := f.db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, db.StateFailed, got.State)

	// Requeue: the original stays failed, a fresh pending clone appears.
	n, err := runner.ReprocessFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	counts, err := f.db.CountSessionsByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[db.StateFailed])
	require.Equal(t, 1, counts[db.StatePending])

	// Supply the photo; the clone completes this time.
	f.images.Images["img-gone"] = benchPhoto(4)
	require.NoError(t, runner.RunOnce(ctx))
	counts, err = f.db.CountSessionsByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[db.StateCompleted])
}

func TestControllerEnableDisable(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.coord, 1)
	ctrl := runner.Controller()

	require.True(t, ctrl.IsEnabled())
	ctrl.SetEnabled(false)
	require.False(t, ctrl.IsEnabled())

	// Triggers coalesce: a second trigger while one is pending is dropped
	// without blocking.
	ctrl.TriggerManualRun()
	ctrl.TriggerManualRun()

	status := ctrl.GetStatus()
	require.False(t, status.Enabled)
	require.Zero(t, status.RunCount)
}

func TestControllerRecordsRuns(t *testing.T) {
	f := newFixture(t)
	runner := NewRunner(f.coord, 1)
	ctrl := runner.Controller()

	ctrl.recordRun("test", func() error { return nil })

	status := ctrl.GetStatus()
	require.Equal(t, int64(1), status.RunCount)
	require.True(t, status.IsHealthy)
	require.NotNil(t, status.LastRun)
	require.Equal(t, "test", status.LastRun.Trigger)
}
