package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voiceboard/internal/leaderboard"
	"voiceboard/internal/models"
	"voiceboard/internal/notify"
	"voiceboard/internal/service"
	"voiceboard/internal/storage"
	"voiceboard/internal/storage/memstore"
	"voiceboard/internal/tracker"
)

const guildID = "100"

type fakeDirectory struct {
	members []leaderboard.Member
}

func (d *fakeDirectory) Members(_ context.Context, _ string) ([]leaderboard.Member, error) {
	return d.members, nil
}

func (d *fakeDirectory) Guild(_ context.Context, id string) (service.GuildInfo, error) {
	return service.GuildInfo{ID: id, Name: "Test Guild", MemberCount: len(d.members)}, nil
}

type postCall struct {
	channelID string
	messageID string
	view      service.LeaderboardView
}

type fakePoster struct {
	mu     sync.Mutex
	calls  []postCall
	nextID string
	err    error
	panics bool
}

func (p *fakePoster) PostLeaderboard(_ context.Context, channelID, messageID string, view service.LeaderboardView) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics {
		panic("renderer bug")
	}
	p.calls = append(p.calls, postCall{channelID: channelID, messageID: messageID, view: view})
	if p.err != nil {
		return "", p.err
	}
	if messageID != "" {
		return messageID, nil
	}
	return p.nextID, nil
}

func (p *fakePoster) Calls() []postCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]postCall(nil), p.calls...)
}

func (p *fakePoster) set(fn func(p *fakePoster)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

type fixture struct {
	svc       *service.Service
	clock     *quartz.Mock
	backend   *memstore.Store
	poster    *fakePoster
	publisher *capturePublisher
	cancel    context.CancelFunc
	done      chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mClock := quartz.NewMock(t)
	mClock.Set(time.UnixMilli(1_000_000))
	f := &fixture{
		clock:     mClock,
		backend:   memstore.New(),
		poster:    &fakePoster{nextID: "msg-1"},
		publisher: &capturePublisher{},
	}
	f.svc = service.New(service.Options{
		StartupDelay:    time.Hour,
		RefreshDebounce: time.Second,
		ShutdownTimeout: 5 * time.Second,
	}, service.Deps{
		Backend: f.backend,
		Directory: &fakeDirectory{members: []leaderboard.Member{
			{UserID: "1", Username: "alice", DisplayName: "Alice"},
			{UserID: "2", Username: "bob", DisplayName: "Bob"},
			{UserID: "9", Username: "robot", Bot: true},
		}},
		Poster:    f.poster,
		Publisher: f.publisher,
		Clock:     mClock,
		Logger:    zap.NewNop(),
	})
	return f
}

// start runs the service and marks it ready for guildID.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan error, 1)
	go func() { f.done <- f.svc.Run(ctx) }()
	f.svc.Ready([]string{guildID})
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
}

func (f *fixture) stop(t *testing.T) error {
	t.Helper()
	f.cancel()
	select {
	case err := <-f.done:
		f.done <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func joinEvent(user string) tracker.PresenceChange {
	return tracker.PresenceChange{GuildID: guildID, UserID: user, ChannelID: "vc", Username: "u" + user}
}

func TestQueriesBeforeReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.Leaderboard(ctx, guildID, 0)
	assert.ErrorIs(t, err, service.ErrNotReady)
	_, err = f.svc.UserStanding(ctx, guildID, "1")
	assert.ErrorIs(t, err, service.ErrNotReady)
	assert.ErrorIs(t, f.svc.SetLeaderboardChannel(ctx, guildID, "c"), service.ErrNotReady)
	_, err = f.svc.BuildSnapshot(ctx)
	assert.ErrorIs(t, err, service.ErrNotReady)
	assert.False(t, f.svc.IsReady())
}

func TestLeaderboardView(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	trap := f.clock.Trap().AfterFunc("refresh-debounce")
	defer trap.Close()

	f.svc.PresenceChanged(joinEvent("2"))
	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(time.Second).MustWait(ctx)
	f.clock.Advance(29 * time.Second).MustWait(ctx)

	view, err := f.svc.Leaderboard(ctx, guildID, 7)
	require.NoError(t, err)
	assert.Equal(t, "Test Guild", view.Guild.Name)
	assert.Equal(t, 0, view.Page.Page)
	assert.Equal(t, 1, view.Page.TotalPages)
	require.Len(t, view.Page.Entries, 2)
	assert.Equal(t, "2", view.Page.Entries[0].UserID)
	assert.Equal(t, 30*time.Second, view.Page.Entries[0].Total)

	standing, err := f.svc.UserStanding(ctx, guildID, "2")
	require.NoError(t, err)
	assert.Equal(t, 1, standing.Rank)
	assert.Equal(t, 100, standing.Percentile)

	_, err = f.svc.Leaderboard(ctx, "404", 0)
	assert.ErrorIs(t, err, service.ErrUnknownGuild)
}

func TestSetLeaderboardChannelPostsAndStoresMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))

	calls := f.poster.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chan", calls[0].channelID)
	assert.Empty(t, calls[0].messageID)

	data, err := f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":"chan","leaderboardMessageId":"msg-1"}`, string(data))

	require.NoError(t, f.svc.RefreshGuild(ctx, guildID))
	calls = f.poster.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "msg-1", calls[1].messageID)
}

func TestTargetGoneClearsConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))
	f.poster.set(func(p *fakePoster) { p.err = service.ErrTargetGone })

	require.NoError(t, f.svc.RefreshGuild(ctx, guildID))

	data, err := f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":null,"leaderboardMessageId":null}`, string(data))

	f.poster.set(func(p *fakePoster) { p.err = nil })
	require.NoError(t, f.svc.RefreshGuild(ctx, guildID))
	assert.Len(t, f.poster.Calls(), 2, "no post once the channel is cleared")
}

func TestSetLeaderboardChannelReportsUnusableChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	f.poster.set(func(p *fakePoster) { p.err = service.ErrTargetGone })

	err := f.svc.SetLeaderboardChannel(ctx, guildID, "chan")
	require.ErrorIs(t, err, service.ErrTargetGone)

	data, err := f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":null,"leaderboardMessageId":null}`, string(data))
}

func TestResetSucceedsWhenLeaderboardChannelIsGone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))
	f.poster.set(func(p *fakePoster) { p.err = service.ErrTargetGone })

	_, err := f.svc.ResetLeaderboard(ctx, guildID)
	require.NoError(t, err)

	data, err := f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":null,"leaderboardMessageId":null}`, string(data))
}

func TestPostFailureKeepsConfig(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))
	f.poster.set(func(p *fakePoster) { p.err = errors.New("rate limited") })

	require.Error(t, f.svc.RefreshGuild(ctx, guildID))

	data, err := f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.JSONEq(t, `{"leaderboardChannelId":"chan","leaderboardMessageId":"msg-1"}`, string(data))
}

func TestVoiceEventTriggersDebouncedRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))

	trap := f.clock.Trap().AfterFunc("refresh-debounce")
	defer trap.Close()

	f.svc.PresenceChanged(joinEvent("1"))
	f.svc.PresenceChanged(tracker.PresenceChange{GuildID: guildID, UserID: "1", PreviousChannelID: "vc", ChannelID: "vc2"})
	trap.MustWait(ctx).MustRelease(ctx)

	f.clock.Advance(time.Second).MustWait(ctx)
	require.Eventually(t, func() bool {
		return len(f.poster.Calls()) == 2
	}, 5*time.Second, 10*time.Millisecond)

	calls := f.poster.Calls()
	assert.Equal(t, "msg-1", calls[1].messageID)
	assert.Equal(t, 1, calls[1].view.Summary.Active)
}

func TestResetLeaderboard(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	require.NoError(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))
	f.svc.PresenceChanged(joinEvent("1"))
	f.svc.PresenceChanged(joinEvent("2"))

	require.Eventually(t, func() bool {
		s, err := f.svc.Stats(ctx, guildID)
		return err == nil && s.Active == 2
	}, 5*time.Second, 10*time.Millisecond)

	removed, err := f.svc.ResetLeaderboard(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err := f.svc.Stats(ctx, guildID)
	require.NoError(t, err)
	assert.Zero(t, stats.Active)

	data, err := f.backend.Load(ctx, guildID, storage.VoiceData)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	data, err = f.backend.Load(ctx, guildID, storage.Config)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"chan"`)
}

func TestBroadcastPublishesSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	assert.Nil(t, f.svc.Latest())
	require.NoError(t, f.svc.Broadcast(ctx))

	snap := f.svc.Latest()
	require.NotNil(t, snap)
	assert.True(t, snap.BotStatus)
	assert.Equal(t, 1, snap.TotalGuilds)
	board, ok := snap.Guilds[guildID]
	require.True(t, ok)
	assert.Len(t, board.Users, 2)
	assert.Nil(t, board.GuildIcon)

	f.publisher.mu.Lock()
	events := append([]notify.Event(nil), f.publisher.events...)
	f.publisher.mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventLeaderboardUpdate, events[0].Name)

	data, err := json.Marshal(events[0].Data)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timeFormatted":"0 seconds"`)
}

func TestShutdownSavesEveryGuild(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	f.svc.PresenceChanged(joinEvent("1"))
	require.NoError(t, f.stop(t))

	data, err := f.backend.Load(context.Background(), guildID, storage.VoiceData)
	require.NoError(t, err)

	var entries []models.RecordEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Record.IsInVoice())
	assert.False(t, f.svc.IsReady())
}

func TestTaskPanicStopsService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	f.poster.set(func(p *fakePoster) { p.panics = true })
	require.Error(t, f.svc.SetLeaderboardChannel(ctx, guildID, "chan"))

	select {
	case err := <-f.done:
		f.done <- err
		require.Error(t, err)
		assert.Contains(t, err.Error(), "renderer bug")
	case <-time.After(10 * time.Second):
		t.Fatal("service kept running after a panic")
	}

	assert.Positive(t, f.backend.Saves(guildID))
}

func TestGuildRemovedRetainsData(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	f.svc.PresenceChanged(joinEvent("1"))
	f.svc.GuildRemoved(guildID)
	require.Eventually(t, func() bool { return f.svc.GuildCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	_, err := f.svc.Leaderboard(ctx, guildID, 0)
	require.NoError(t, err, "state is retained after leaving")

	f.svc.GuildAvailable(guildID, []tracker.PresenceChange{joinEvent("2")})
	require.Eventually(t, func() bool { return f.svc.GuildCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	stats, err := f.svc.Stats(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active, "user 1 was closed on leave and user 2 started on rejoin")
}

func TestGuildRemovedCreditsAndSavesOpenSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	ctx := t.Context()

	trap := f.clock.Trap().AfterFunc("refresh-debounce")
	defer trap.Close()

	f.svc.PresenceChanged(joinEvent("1"))
	trap.MustWait(ctx).MustRelease(ctx)
	f.clock.Advance(time.Second).MustWait(ctx)
	f.clock.Advance(59 * time.Second).MustWait(ctx)

	f.svc.GuildRemoved(guildID)

	require.Eventually(t, func() bool {
		data, err := f.backend.Load(ctx, guildID, storage.VoiceData)
		if err != nil {
			return false
		}
		var entries []models.RecordEntry
		if json.Unmarshal(data, &entries) != nil || len(entries) != 1 {
			return false
		}
		rec := entries[0].Record
		return !rec.IsInVoice() && rec.TotalTime == time.Minute
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.svc.GuildCount())
}
