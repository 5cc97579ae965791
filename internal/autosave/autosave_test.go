package autosave_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voiceboard/internal/autosave"
	"voiceboard/internal/models"
	"voiceboard/internal/state"
	"voiceboard/internal/storage"
	"voiceboard/internal/storage/memstore"
)

type readyFlag struct{ atomic.Bool }

func (r *readyFlag) Ready() bool { return r.Load() }

// flakyBackend fails or panics for selected guilds.
type flakyBackend struct {
	*memstore.Store
	fail  map[string]bool
	panic map[string]bool
}

func (b *flakyBackend) Save(ctx context.Context, guildID string, doc storage.Document, data []byte) error {
	if b.panic[guildID] {
		panic("backend exploded")
	}
	if b.fail[guildID] {
		return errors.New("disk full")
	}
	return b.Store.Save(ctx, guildID, doc, data)
}

type fixture struct {
	clock     *quartz.Mock
	store     *state.Store
	backend   *flakyBackend
	ready     *readyFlag
	scheduler *autosave.Scheduler
	sweeps    chan autosave.Result
}

func setupTest(t *testing.T) *fixture {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(time.UnixMilli(1_000_000))
	backend := &flakyBackend{Store: memstore.New(), fail: map[string]bool{}, panic: map[string]bool{}}
	store := state.New(backend, zap.NewNop())
	ready := &readyFlag{}
	ready.Store(true)
	sweeps := make(chan autosave.Result, 8)

	scheduler := autosave.New(store, ready, mClock, zap.NewNop(), nil, autosave.Options{
		Interval: time.Minute,
		OnSweep: func(_ context.Context, r autosave.Result) {
			sweeps <- r
		},
	})
	return &fixture{clock: mClock, store: store, backend: backend, ready: ready, scheduler: scheduler, sweeps: sweeps}
}

func (f *fixture) openSession(guildID, userID string, total time.Duration, join time.Time) {
	f.store.SetPresent(guildID, true)
	f.store.Update(guildID, userID, func(rec *models.UserVoiceRecord) bool {
		rec.TotalTime = total
		rec.JoinTime = &join
		return true
	})
}

func TestSweepFoldsWithoutChangingLiveTotal(t *testing.T) {
	t.Parallel()
	f := setupTest(t)
	ctx := t.Context()

	start := f.clock.Now()
	f.openSession("1", "10", 5*time.Second, start)
	f.clock.Set(start.Add(40 * time.Second))
	now := f.clock.Now()

	before, _ := f.store.Record("1", "10")
	r := f.scheduler.Sweep(ctx)

	after, _ := f.store.Record("1", "10")
	assert.Equal(t, before.LiveTotal(now), after.LiveTotal(now))
	assert.Equal(t, 45*time.Second, after.TotalTime)
	assert.True(t, after.JoinTime.Equal(now))

	assert.Equal(t, 1, r.SavedGuilds)
	assert.Equal(t, 1, r.ActiveVoiceUsers)
	assert.Zero(t, r.Failed)
	assert.False(t, f.store.IsDirty("1"))
	assert.Equal(t, 1, f.backend.Saves("1"))
}

func TestSweepSkipsWhenNotReady(t *testing.T) {
	t.Parallel()
	f := setupTest(t)
	f.ready.Store(false)
	f.openSession("1", "10", 0, f.clock.Now())

	r := f.scheduler.Sweep(t.Context())
	assert.True(t, r.Skipped)
	assert.True(t, f.store.IsDirty("1"))
	assert.Zero(t, f.backend.Saves("1"))
	assert.Empty(t, f.sweeps)
}

func TestSweepSavesOnlyDirtyGuilds(t *testing.T) {
	t.Parallel()
	f := setupTest(t)

	f.store.SetPresent("1", true)
	f.store.SetPresent("2", true)
	f.store.MarkDirty("2")

	r := f.scheduler.Sweep(t.Context())
	assert.Equal(t, 1, r.SavedGuilds)
	assert.Zero(t, f.backend.Saves("1"))
	assert.Equal(t, 1, f.backend.Saves("2"))
}

func TestSweepDoesNotFoldAbsentGuilds(t *testing.T) {
	t.Parallel()
	f := setupTest(t)

	start := f.clock.Now()
	f.openSession("1", "10", 0, start)
	f.store.SetPresent("1", false)
	f.clock.Set(start.Add(time.Minute))

	r := f.scheduler.Sweep(t.Context())
	assert.Zero(t, r.ActiveVoiceUsers)
	assert.Equal(t, 1, r.SavedGuilds, "pending changes are still flushed")

	rec, _ := f.store.Record("1", "10")
	assert.Zero(t, rec.TotalTime)
	assert.True(t, rec.JoinTime.Equal(start))
}

func TestSweepIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := setupTest(t)

	for _, id := range []string{"1", "2", "3"} {
		f.store.SetPresent(id, true)
		f.store.MarkDirty(id)
	}
	f.backend.fail["1"] = true
	f.backend.panic["2"] = true

	r := f.scheduler.Sweep(t.Context())
	assert.Equal(t, 2, r.Failed)
	assert.Equal(t, 1, r.SavedGuilds)
	assert.True(t, f.store.IsDirty("1"))
	assert.True(t, f.store.IsDirty("2"))
	assert.False(t, f.store.IsDirty("3"))
	assert.Equal(t, 1, f.backend.Saves("3"))
}

func TestRunSweepsOnInterval(t *testing.T) {
	t.Parallel()
	f := setupTest(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	trap := f.clock.Trap().NewTicker("autosave")
	defer trap.Close()

	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()

	call := trap.MustWait(ctx)
	call.MustRelease(ctx)

	f.openSession("1", "10", 0, f.clock.Now())

	status := f.scheduler.Status()
	assert.Equal(t, int64(time.Minute/time.Millisecond), status.NextSaveEtaMs)
	assert.Equal(t, 1, status.PendingCommunityCount)

	f.clock.Advance(time.Minute).MustWait(ctx)
	r := <-f.sweeps
	assert.Equal(t, 1, r.SavedGuilds)
	assert.Equal(t, 1, r.ActiveVoiceUsers)

	status = f.scheduler.Status()
	assert.Equal(t, f.clock.Now().UnixMilli(), status.LastSaveTimestamp)
	assert.Zero(t, status.PendingCommunityCount)

	cancel()
	require.NoError(t, <-done)
}
