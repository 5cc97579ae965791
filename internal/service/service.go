// Package service wires the voice tracker, the guild store, the autosave
// scheduler and the leaderboard engine into one process-wide object that the
// Discord gateway adapter and the web layer talk to.
package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"voiceboard/internal/autosave"
	"voiceboard/internal/dispatch"
	"voiceboard/internal/leaderboard"
	"voiceboard/internal/lifecycle"
	"voiceboard/internal/metrics"
	"voiceboard/internal/notify"
	"voiceboard/internal/state"
	"voiceboard/internal/storage"
	"voiceboard/internal/tracker"
)

var (
	// ErrNotReady is returned by queries before startup has completed.
	ErrNotReady = errors.New("bot is not ready")
	// ErrTargetGone is returned by a Poster when the leaderboard channel can
	// no longer be used.
	ErrTargetGone = errors.New("leaderboard channel is gone or inaccessible")
	// ErrUnknownGuild is returned for guilds the bot has never seen.
	ErrUnknownGuild = state.ErrUnknownGuild

	errTaskPanicked = errors.New("guild task panicked")
)

// GuildInfo is the display metadata of a guild.
type GuildInfo struct {
	ID          string
	Name        string
	IconURL     string
	MemberCount int
}

// Directory answers questions about guilds from the gateway cache.
type Directory interface {
	leaderboard.Roster
	Guild(ctx context.Context, guildID string) (GuildInfo, error)
}

// Poster renders the auto-posted leaderboard. PostLeaderboard edits
// messageID when it still exists and otherwise posts a new message, and
// returns the ID of the message now showing the leaderboard. It returns
// ErrTargetGone when the channel is missing or the bot lacks access.
type Poster interface {
	PostLeaderboard(ctx context.Context, channelID, messageID string, view LeaderboardView) (string, error)
}

// Options tunes the service.
type Options struct {
	PageSize          int
	AutosaveInterval  time.Duration
	RefreshInterval   time.Duration
	BroadcastInterval time.Duration
	StartupDelay      time.Duration
	RefreshDebounce   time.Duration
	ShutdownTimeout   time.Duration
	FoldOnMove        bool
}

func (o *Options) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = leaderboard.DefaultPageSize
	}
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = autosave.DefaultInterval
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = 30 * time.Second
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = 0
	}
	if o.RefreshDebounce <= 0 {
		o.RefreshDebounce = time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Backend   storage.Backend
	Directory Directory
	Poster    Poster
	Publisher notify.Publisher
	Clock     quartz.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Service is safe for concurrent use.
type Service struct {
	opts      Options
	directory Directory
	poster    Poster
	publisher notify.Publisher
	clock     quartz.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	store      *state.Store
	tracker    *tracker.Tracker
	engine     *leaderboard.Engine
	lifecycle  *lifecycle.Manager
	scheduler  *autosave.Scheduler
	dispatcher *dispatch.Dispatcher

	startedAt time.Time
	readyCh   chan struct{}
	readyOnce sync.Once
	fatal     chan error

	broadcastReq chan struct{}

	debounceMu sync.Mutex
	debounce   map[string]*quartz.Timer

	latest atomic.Pointer[Snapshot]
}

// New builds the service. Nothing runs until Run is called.
func New(opts Options, deps Deps) *Service {
	opts.setDefaults()
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Fanout{}
	}

	s := &Service{
		opts:      opts,
		directory: deps.Directory,
		poster:    deps.Poster,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger.Named("service"),
		metrics:   deps.Metrics,
		startedAt: deps.Clock.Now(),
		readyCh:   make(chan struct{}),
		fatal:     make(chan error, 1),

		broadcastReq: make(chan struct{}, 1),
		debounce:     make(map[string]*quartz.Timer),
	}

	s.store = state.New(deps.Backend, deps.Logger)
	s.tracker = tracker.New(s.store, deps.Clock, deps.Logger, deps.Metrics, tracker.Options{FoldOnMove: opts.FoldOnMove})
	s.engine = leaderboard.New(s.store, deps.Directory, deps.Clock)
	s.lifecycle = lifecycle.New(s.store, deps.Logger)
	s.dispatcher = dispatch.New(deps.Logger, deps.Metrics, s.Fail)
	s.scheduler = autosave.New(s.store, s.lifecycle, deps.Clock, deps.Logger, deps.Metrics, autosave.Options{
		Interval: opts.AutosaveInterval,
		OnSweep:  s.publishSweep,
	})
	return s
}

// Fail records an unexpected panic raised outside the service, such as in a
// gateway handler. Run shuts the process down on the first one.
func (s *Service) Fail(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Hydrate loads stored guilds. Call it once before connecting to the gateway.
func (s *Service) Hydrate(ctx context.Context) error {
	return s.lifecycle.Hydrate(ctx)
}

// Ready is called once the gateway session is established with the IDs of
// every guild the bot is in.
func (s *Service) Ready(guildIDs []string) {
	s.lifecycle.Start(guildIDs)
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// IsReady reports whether startup has completed.
func (s *Service) IsReady() bool {
	return s.lifecycle.Ready()
}

// GuildCount counts the guilds the bot is in.
func (s *Service) GuildCount() int {
	return s.lifecycle.GuildCount()
}

// Uptime is the time since the service was created.
func (s *Service) Uptime() time.Duration {
	return s.clock.Since(s.startedAt)
}

// PresenceChanged queues a voice state change for its guild.
func (s *Service) PresenceChanged(ev tracker.PresenceChange) {
	if ev.Bot {
		return
	}
	s.submit(ev.GuildID, "presence", func(ctx context.Context) error {
		tr, err := s.tracker.Apply(ctx, ev)
		if tr != tracker.TransitionNone && tr != tracker.TransitionIgnored {
			s.scheduleRefresh(ev.GuildID)
		}
		return err
	})
}

// GuildAvailable handles a guild delivered by the gateway, either at startup
// or after the bot was added. voiceStates are the members currently in voice.
func (s *Service) GuildAvailable(guildID string, voiceStates []tracker.PresenceChange) {
	s.submit(guildID, "guild-available", func(context.Context) error {
		s.lifecycle.GuildJoined(guildID)
		if started, closed := s.tracker.Reconcile(guildID, voiceStates); started+closed > 0 {
			s.scheduleRefresh(guildID)
		}
		return nil
	})
}

// GuildRemoved handles the bot leaving or being removed from a guild.
func (s *Service) GuildRemoved(guildID string) {
	s.submit(guildID, "guild-removed", func(ctx context.Context) error {
		s.cancelRefresh(guildID)
		if s.lifecycle.GuildLeft(guildID, s.clock.Now()) == 0 {
			return nil
		}
		return s.save(ctx, guildID, metrics.SaveWriteThrough)
	})
}

// RosterChanged handles a member joining or leaving a guild.
func (s *Service) RosterChanged(guildID string) {
	s.scheduleRefresh(guildID)
}

func (s *Service) submit(guildID, name string, task dispatch.Task) {
	if err := s.dispatcher.Submit(guildID, name, task); err != nil {
		s.logger.Warn("Dropped guild task",
			zap.String("guildID", guildID),
			zap.String("task", name),
			zap.Error(err))
	}
}

// do runs task on the guild queue and waits for it.
func (s *Service) do(ctx context.Context, guildID, name string, task dispatch.Task) error {
	errc := make(chan error, 1)
	err := s.dispatcher.Submit(guildID, name, func(ctx context.Context) error {
		done := false
		defer func() {
			if !done {
				errc <- errTaskPanicked
			}
		}()
		err := task(ctx)
		done = true
		errc <- err
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
