package state_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voiceboard/internal/models"
	"voiceboard/internal/state"
	"voiceboard/internal/storage"
	"voiceboard/internal/storage/memstore"
)

func setupTest(t *testing.T) (*state.Store, *memstore.Store) {
	t.Helper()
	backend := memstore.New()
	return state.New(backend, zap.NewNop()), backend
}

func addTime(d time.Duration) func(*models.UserVoiceRecord) bool {
	return func(rec *models.UserVoiceRecord) bool {
		rec.TotalTime += d
		return true
	}
}

func TestLoadDegradesPerDocument(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)

	backend.Put("1", storage.VoiceData, []byte(`[["10",{"totalTime":5000,"joinTime":null,"isInVoice":false,"username":"a","displayName":"A","avatarURL":""}]]`))
	backend.Put("1", storage.Config, []byte(`{"leaderboardChannelId":"c1","leaderboardMessageId":null}`))
	backend.Put("2", storage.VoiceData, []byte(`{not json`))
	backend.Put("2", storage.Config, []byte(`{"leaderboardChannelId":"c2","leaderboardMessageId":"m2"}`))
	backend.Put("3", storage.Config, []byte(`[]`))

	n, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rec, ok := store.Record("1", "10")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, rec.TotalTime)
	cfg, _ := store.Config("1")
	assert.Equal(t, "c1", cfg.LeaderboardChannelID)
	assert.Empty(t, cfg.LeaderboardMessageID)

	assert.Empty(t, store.Records("2"))
	cfg, _ = store.Config("2")
	assert.Equal(t, models.GuildConfig{LeaderboardChannelID: "c2", LeaderboardMessageID: "m2"}, cfg)

	assert.True(t, store.Has("3"))
	cfg, _ = store.Config("3")
	assert.False(t, cfg.Configured())

	assert.Zero(t, store.DirtyCount())
}

func TestSaveSkipsCleanGuildsUnlessForced(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)
	ctx := t.Context()

	store.Ensure("1")
	saved, err := store.Save(ctx, "1", false)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Zero(t, backend.Saves("1"))

	saved, err = store.Save(ctx, "1", true)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, 1, backend.Saves("1"))
}

func TestSaveClearsDirtyAndWritesSortedDocument(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)
	ctx := t.Context()

	store.Update("1", "20", addTime(time.Second))
	store.Update("1", "3", addTime(2*time.Second))
	store.SetConfig("1", models.GuildConfig{LeaderboardChannelID: "c"})
	require.True(t, store.IsDirty("1"))

	saved, err := store.Save(ctx, "1", false)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, store.IsDirty("1"))

	data, err := backend.Load(ctx, "1", storage.VoiceData)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		["3", {"totalTime":2000,"joinTime":null,"isInVoice":false,"username":"","displayName":"","avatarURL":""}],
		["20", {"totalTime":1000,"joinTime":null,"isInVoice":false,"username":"","displayName":"","avatarURL":""}]
	]`, string(data))

	data, err = backend.Load(ctx, "1", storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":"c","leaderboardMessageId":null}`, string(data))
}

func TestSaveFailureKeepsDirty(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)
	ctx := t.Context()

	store.Update("1", "10", addTime(time.Second))
	backend.FailSaves(errors.New("disk full"))

	saved, err := store.Save(ctx, "1", true)
	require.Error(t, err)
	assert.False(t, saved)
	assert.True(t, store.IsDirty("1"))

	backend.FailSaves(nil)
	saved, err = store.Save(ctx, "1", false)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, store.IsDirty("1"))
}

func TestSaveUnknownGuild(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	_, err := store.Save(t.Context(), "404", true)
	assert.ErrorIs(t, err, state.ErrUnknownGuild)
}

// blockingBackend parks the first voice-data save until released.
type blockingBackend struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Save(ctx context.Context, guildID string, doc storage.Document, data []byte) error {
	if doc == storage.VoiceData && b.entered != nil {
		close(b.entered)
		b.entered = nil
		<-b.release
	}
	return b.Store.Save(ctx, guildID, doc, data)
}

func TestMutationDuringSaveKeepsDirty(t *testing.T) {
	t.Parallel()
	backend := &blockingBackend{
		Store:   memstore.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	entered := backend.entered
	store := state.New(backend, zap.NewNop())
	ctx := t.Context()

	store.Update("1", "10", addTime(time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := store.Save(ctx, "1", false)
		done <- err
	}()

	<-entered
	store.Update("1", "10", addTime(time.Second))
	close(backend.release)
	require.NoError(t, <-done)

	assert.True(t, store.IsDirty("1"))
}

func TestResetKeepsConfig(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	store.Update("1", "10", addTime(time.Second))
	store.Update("1", "11", addTime(time.Second))
	store.SetConfig("1", models.GuildConfig{LeaderboardChannelID: "c", LeaderboardMessageID: "m"})
	store.ClearDirty("1")

	assert.Equal(t, 2, store.Reset("1"))
	assert.Empty(t, store.Records("1"))
	assert.True(t, store.IsDirty("1"))

	cfg, ok := store.Config("1")
	require.True(t, ok)
	assert.Equal(t, "c", cfg.LeaderboardChannelID)
}

func TestFoldOpenSessionsPreservesLiveTotal(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	start := time.UnixMilli(1_000_000)
	store.Update("1", "10", func(rec *models.UserVoiceRecord) bool {
		rec.TotalTime = 3 * time.Second
		rec.JoinTime = &start
		return true
	})
	store.Update("1", "11", addTime(time.Second))
	store.ClearDirty("1")

	now := start.Add(45 * time.Second)
	before, _ := store.Record("1", "10")

	assert.Equal(t, 1, store.FoldOpenSessions("1", now))
	after, _ := store.Record("1", "10")

	assert.Equal(t, before.LiveTotal(now), after.LiveTotal(now))
	assert.Equal(t, 48*time.Second, after.TotalTime)
	require.NotNil(t, after.JoinTime)
	assert.True(t, after.JoinTime.Equal(now))
	assert.True(t, store.IsDirty("1"))
	assert.Equal(t, 1, store.ActiveUsers("1"))
}

func TestFoldWithoutOpenSessionsStaysClean(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	store.Update("1", "11", addTime(time.Second))
	store.ClearDirty("1")

	assert.Zero(t, store.FoldOpenSessions("1", time.Now()))
	assert.False(t, store.IsDirty("1"))
	assert.Zero(t, store.FoldOpenSessions("missing", time.Now()))
}

func TestCloseOpenSessionsCreditsElapsedTime(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	start := time.UnixMilli(1_000_000)
	store.Update("1", "10", func(rec *models.UserVoiceRecord) bool {
		rec.TotalTime = 3 * time.Second
		rec.JoinTime = &start
		return true
	})
	store.Update("1", "11", addTime(time.Second))
	store.ClearDirty("1")

	assert.Equal(t, 1, store.CloseOpenSessions("1", start.Add(45*time.Second)))

	rec, _ := store.Record("1", "10")
	assert.False(t, rec.IsInVoice())
	assert.Equal(t, 48*time.Second, rec.TotalTime)
	other, _ := store.Record("1", "11")
	assert.Equal(t, time.Second, other.TotalTime)
	assert.True(t, store.IsDirty("1"))
	assert.Zero(t, store.ActiveUsers("1"))
	assert.Zero(t, store.CloseOpenSessions("missing", start))
}

func TestRecordsAreCopies(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	join := time.UnixMilli(5)
	store.Update("1", "10", func(rec *models.UserVoiceRecord) bool {
		rec.JoinTime = &join
		return true
	})

	records := store.Records("1")
	*records["10"].JoinTime = time.UnixMilli(99)

	rec, _ := store.Record("1", "10")
	assert.Equal(t, int64(5), rec.JoinTime.UnixMilli())
	assert.Nil(t, store.Records("missing"))
}

func TestGuildsAreIndependent(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)
	ctx := t.Context()

	store.Update("1", "10", addTime(time.Second))
	store.Update("2", "10", addTime(time.Minute))
	store.SetPresent("2", true)

	assert.Equal(t, []string{"1", "2"}, store.GuildIDs())
	assert.Equal(t, []string{"2"}, store.PresentGuildIDs())
	assert.Equal(t, 2, store.DirtyCount())

	_, err := store.Save(ctx, "1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, store.DirtyGuildIDs())
	assert.Zero(t, backend.Saves("2"))

	a, _ := store.Record("1", "10")
	b, _ := store.Record("2", "10")
	assert.Equal(t, time.Second, a.TotalTime)
	assert.Equal(t, time.Minute, b.TotalTime)
}

func TestSaveAll(t *testing.T) {
	t.Parallel()
	store, backend := setupTest(t)
	ctx := t.Context()

	store.Update("1", "10", addTime(time.Second))
	store.Ensure("2")

	saved, err := store.SaveAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	saved, err = store.SaveAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	backend.FailSaves(errors.New("read-only"))
	_, err = store.SaveAll(ctx, true)
	assert.Error(t, err)
}

func TestUpdateWithoutChangeStaysClean(t *testing.T) {
	t.Parallel()
	store, _ := setupTest(t)

	changed := store.Update("1", "10", func(rec *models.UserVoiceRecord) bool {
		rec.Username = "alice"
		return false
	})
	assert.False(t, changed)
	assert.False(t, store.IsDirty("1"))

	rec, ok := store.Record("1", "10")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Username)
}
