package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/clock"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/db/models"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/lifecycle"
	"github.com/premiere-lifecycle/premiere-pipeline-go/internal/metrics"
)

type enforcerFixture struct {
	premieres *memPremieres
	assets    *memObjects
	covers    *memObjects
	ops       *recordingOps
	metrics   *metrics.Metrics
	enforcer  *Enforcer
}

func newEnforcerFixture(t *testing.T, locker Locker) *enforcerFixture {
	t.Helper()
	f := &enforcerFixture{
		premieres: newMemPremieres(),
		assets:    newMemObjects(),
		covers:    newMemObjects(),
		ops:       &recordingOps{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	f.enforcer = NewEnforcer(f.premieres, f.assets, f.covers, f.ops, locker, f.metrics,
		clock.Fixed(testNow), lifecycle.DefaultPolicy(), EnforcerConfig{BatchSize: 50}, nil)
	return f
}

// ended adds a premiere that aired a 30 minute asset and whose grace window closed a
// minute ago, with its asset and cover stored.
func (f *enforcerFixture) ended(title string) *models.Premiere {
	p := &models.Premiere{
		ID:              uuid.New(),
		Title:           title,
		OwnerID:         "owner-1",
		ScheduledAt:     testNow.Add(-30*time.Minute - lifecycle.DefaultGraceWindow - time.Minute),
		DurationSeconds: intPtr(1800),
		AssetKey:        strPtr("premieres/" + title + ".mp4"),
		CoverKey:        strPtr("covers/" + title + ".jpg"),
	}
	f.assets.objects[*p.AssetKey] = true
	f.covers.objects[*p.CoverKey] = true
	return f.premieres.put(p)
}

func (f *enforcerFixture) live() *models.Premiere {
	return f.premieres.put(&models.Premiere{
		Title:           "live",
		ScheduledAt:     testNow.Add(-10 * time.Minute),
		DurationSeconds: intPtr(600),
		AssetKey:        strPtr("premieres/live.mp4"),
	})
}

func TestEnforcer_Sweep_PurgesOnlyEnded(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)

	gone := f.ended("gone")
	live := f.live()
	// Never transcoded and scheduled long ago: stays Pending, never purged.
	stuck := f.premieres.put(&models.Premiere{Title: "stuck", ScheduledAt: testNow.Add(-72 * time.Hour)})

	report, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{gone.ID}, report.Purged)
	assert.Empty(t, report.Errors)
	assert.False(t, f.premieres.has(gone.ID))
	assert.False(t, f.assets.has(*gone.AssetKey))
	assert.False(t, f.covers.has(*gone.CoverKey))
	assert.True(t, f.premieres.has(live.ID))
	assert.True(t, f.premieres.has(stuck.ID))
	assert.Empty(t, f.ops.reports, "clean sweeps publish nothing")
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.SweepPurged))
}

func TestEnforcer_Sweep_TwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)
	f.ended("a")
	f.ended("b")
	f.live()

	first, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, first.Purged, 2)
	remaining := f.premieres.sorted()

	second, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Purged)
	assert.Empty(t, second.Errors)
	assert.Equal(t, remaining, f.premieres.sorted())
}

func TestEnforcer_Sweep_IsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)

	broken := f.ended("broken")
	healthy := f.ended("healthy")
	f.assets.failing[*broken.AssetKey] = errStorageDown

	report, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{healthy.ID}, report.Purged)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, broken.ID, report.Errors[0].PremiereID)
	assert.Contains(t, report.Errors[0].Cause, "delete asset")

	// The row survives so the next sweep retries; its cover was never touched.
	assert.True(t, f.premieres.has(broken.ID))
	assert.True(t, f.covers.has(*broken.CoverKey))

	require.Len(t, f.ops.reports, 1)
	assert.Same(t, report, f.ops.reports[0])

	delete(f.assets.failing, *broken.AssetKey)
	retry, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{broken.ID}, retry.Purged)
	assert.Empty(t, retry.Errors)
}

func TestEnforcer_Sweep_MissingObjectsAndRowsAreSuccess(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)

	p := f.ended("orphan")
	delete(f.assets.objects, *p.AssetKey)
	delete(f.covers.objects, *p.CoverKey)
	// Another process purged the row between our list and our delete.
	f.premieres.purgeErr[p.ID] = db.ErrNotFound

	report, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{p.ID}, report.Purged)
	assert.Empty(t, report.Errors)
}

func TestEnforcer_Sweep_RowThatStoppedBeingEndedIsAnError(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)

	p := f.ended("moved")
	f.premieres.purgeErr[p.ID] = db.ErrConflict

	report, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Purged)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0].Cause, "delete metadata")
}

func TestEnforcer_Sweep_ListFailureIsReturned(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)
	f.premieres.listErr = errors.New("connection refused")

	_, err := f.enforcer.Sweep(context.Background())
	require.Error(t, err)
	assert.False(t, f.enforcer.running.Load())
}

func TestEnforcer_Sweep_SkipsWhileRunning(t *testing.T) {
	t.Parallel()
	f := newEnforcerFixture(t, nil)
	f.ended("slow")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.premieres.onListEnd = func() {
		once.Do(func() {
			close(entered)
			<-unblock
		})
	}

	done := make(chan *SweepReport)
	go func() {
		report, err := f.enforcer.Sweep(context.Background())
		assert.NoError(t, err)
		done <- report
	}()

	<-entered
	_, err := f.enforcer.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.SweepsSkipped))

	close(unblock)
	report := <-done
	assert.Len(t, report.Purged, 1)
	assert.False(t, f.enforcer.running.Load())
}

func TestEnforcer_Sweep_HonorsDistributedLock(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newEnforcerFixture(t, NewRedisLocker(client))
	f.ended("locked")

	// Another scheduler holds the lock.
	require.NoError(t, mr.Set(sweepLockKey, "someone-else"))
	_, err := f.enforcer.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	mr.Del(sweepLockKey)
	report, err := f.enforcer.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Purged, 1)
	assert.False(t, mr.Exists(sweepLockKey), "lock must be released after the sweep")
}
