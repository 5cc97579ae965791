package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"voiceboard/internal/metrics"
)

// Run drives the service until ctx is done or a task panics. It starts the
// guild dispatcher immediately and, once Ready was called and the startup
// delay has passed, the autosave, refresh and broadcast loops. Before
// returning it drains queued guild tasks and saves every guild. The
// returned error is non-nil only when a panic forced the shutdown.
func (s *Service) Run(ctx context.Context) error {
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()

	var wg conc.WaitGroup
	wg.Go(func() {
		_ = s.dispatcher.Run(dispatchCtx)
	})

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	wg.Go(func() {
		s.guard("startup", func() { s.runLoops(loopCtx) })
	})

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down")
	case err := <-s.fatal:
		runErr = fmt.Errorf("unexpected panic: %w", err)
		s.logger.Error("Unexpected panic, shutting down", zap.Error(err))
	}

	stopLoops()
	s.shutdown(stopDispatch)
	wg.Wait()
	return runErr
}

// guard runs fn and reports a panic as fatal.
func (s *Service) guard(name string, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if rec := pc.Recovered(); rec != nil {
		err := rec.AsError()
		s.logger.Error("Loop panicked", zap.String("loop", name), zap.Error(err))
		s.Fail(err)
	}
}

func (s *Service) runLoops(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.readyCh:
	}

	if s.opts.StartupDelay > 0 {
		s.logger.Info("Waiting before starting periodic work", zap.Duration("delay", s.opts.StartupDelay))
		timer := s.clock.NewTimer(s.opts.StartupDelay, "startup")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		s.guard("autosave", func() { _ = s.scheduler.Run(ctx) })
	})
	wg.Go(func() {
		s.guard("refresh", func() { s.refreshLoop(ctx) })
	})
	wg.Go(func() {
		s.guard("broadcast", func() { s.broadcastLoop(ctx) })
	})
	wg.Wait()
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.RefreshInterval, "refresh")
	defer ticker.Stop()

	s.RefreshAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshAll()
		}
	}
}

func (s *Service) broadcastLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.opts.BroadcastInterval, "broadcast")
	defer ticker.Stop()

	s.broadcast(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.broadcast(ctx)
		case <-s.broadcastReq:
			s.broadcast(ctx)
		}
	}
}

func (s *Service) broadcast(ctx context.Context) {
	if err := s.Broadcast(ctx); err != nil && !errors.Is(err, ErrNotReady) && ctx.Err() == nil {
		s.logger.Warn("Broadcast failed", zap.Error(err))
	}
}

// requestBroadcast asks the broadcast loop for an early broadcast.
func (s *Service) requestBroadcast() {
	select {
	case s.broadcastReq <- struct{}{}:
	default:
	}
}

// shutdown drains the dispatcher and saves every guild.
func (s *Service) shutdown(stopDispatch context.CancelFunc) {
	s.stopRefreshes()
	s.lifecycle.Stop()

	s.dispatcher.Close()
	select {
	case <-s.dispatcher.Done():
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("Timed out draining guild tasks", zap.Int("pending", s.dispatcher.Pending()))
		stopDispatch()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	saved, err := s.store.SaveAll(ctx, true)
	s.metrics.RecordSave(metrics.SaveShutdown, err)
	if err != nil {
		s.logger.Error("Some guilds could not be saved on shutdown", zap.Int("saved", saved), zap.Error(err))
		return
	}
	s.logger.Info("Saved all guilds", zap.Int("saved", saved))
}
