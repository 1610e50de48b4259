package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/stretchr/testify/require"
)

type fakeProjections struct {
	catchUps     atomic.Int32
	rebuilds     atomic.Int32
	needsRebuild bool
	statusErr    error
}

func (f *fakeProjections) CatchUp(context.Context) (projection.Result, error) {
	f.catchUps.Add(1)
	return projection.Result{}, nil
}

func (f *fakeProjections) RebuildAll(context.Context) (projection.Result, error) {
	f.rebuilds.Add(1)
	return projection.Result{}, nil
}

func (f *fakeProjections) NeedsRebuild(context.Context) (bool, error) {
	return f.needsRebuild, f.statusErr
}

type countingBackup struct {
	runs atomic.Int32
}

func (b *countingBackup) Run(context.Context) error {
	b.runs.Add(1)
	return nil
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestWorkerRunsCatchUpAndBackupJobs(t *testing.T) {
	projections := &fakeProjections{}
	backup := &countingBackup{}
	w, err := New(Config{
		Projections:    projections,
		PollInterval:   10 * time.Millisecond,
		Backup:         backup,
		BackupInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	cancel, done := runWorker(t, w)
	require.Eventually(t, func() bool {
		return projections.catchUps.Load() >= 2 && backup.runs.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	require.Zero(t, projections.rebuilds.Load())
}

func TestWorkerRebuildsInterruptedProjectionsFirst(t *testing.T) {
	projections := &fakeProjections{needsRebuild: true}
	w, err := New(Config{Projections: projections, PollInterval: time.Hour})
	require.NoError(t, err)

	_, _ = runWorker(t, w)
	require.Eventually(t, func() bool {
		return projections.rebuilds.Load() == 1 && projections.catchUps.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorkerStopsWhenStatusIsUnavailable(t *testing.T) {
	projections := &fakeProjections{statusErr: errors.New("database locked")}
	w, err := New(Config{Projections: projections})
	require.NoError(t, err)
	require.ErrorContains(t, w.Run(context.Background()), "database locked")
}

func TestNewRequiresProjections(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingProjections)
}
