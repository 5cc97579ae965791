// Package web serves the public leaderboard API and the live websocket feed.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"voiceboard/internal/autosave"
	"voiceboard/internal/leaderboard"
	"voiceboard/internal/service"
	"voiceboard/pkg/utils"
)

// Source is the read side of the service used by the HTTP handlers.
type Source interface {
	LiveSource
	GuildCount() int
	Uptime() time.Duration
	Board(ctx context.Context, guildID string) (service.GuildBoard, error)
	BuildSnapshot(ctx context.Context) (*service.Snapshot, error)
	UserStanding(ctx context.Context, guildID, userID string) (leaderboard.Standing, error)
	SaveStatus() autosave.SaveStatus
}

// Options configures a Server.
type Options struct {
	Addr     string
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end.
type Server struct {
	opts   Options
	source Source
	hub    *Hub
	clock  quartz.Clock
	logger *zap.Logger
	router chi.Router
}

// New builds the router. The hub is served on /ws and reads from source.
func New(opts Options, source Source, hub *Hub, clock quartz.Clock, logger *zap.Logger) *Server {
	hub.source = source
	s := &Server{
		opts:   opts,
		source: source,
		hub:    hub,
		clock:  clock,
		logger: logger.Named("web"),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requestLog)
		r.Get("/save-status", s.handleSaveStatus)
		r.Get("/leaderboard", s.handleAllLeaderboards)
		r.Get("/leaderboard/{guildID}", s.handleLeaderboard)
		r.Get("/leaderboard/{guildID}/users/{userID}", s.handleStanding)
	})

	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Web server listening", zap.String("addr", s.opts.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", s.clock.Since(start)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

// writeError maps service errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotReady):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Bot not ready"})
	case errors.Is(err, service.ErrUnknownGuild), errors.Is(err, leaderboard.ErrNoRoster):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Guild not found"})
	default:
		s.logger.Error("Request failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	status := "starting"
	if s.source.IsReady() {
		status = "online"
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Voice leaderboard bot is " + status + "\n"))
}

type healthResponse struct {
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Uptime       string `json:"uptime"`
	UptimeMs     int64  `json:"uptimeMs"`
	BotReady     bool   `json:"botReady"`
	GuildsCount  int    `json:"guildsCount"`
	LastSave     string `json:"lastSave"`
	PendingSaves int    `json:"pendingSaves"`
	WebClients   int    `json:"webClients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.source.SaveStatus()
	uptime := s.source.Uptime()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:       "OK",
		Timestamp:    s.clock.Now().UTC().Format(time.RFC3339Nano),
		Uptime:       utils.FormatDurationOf(uptime),
		UptimeMs:     uptime.Milliseconds(),
		BotReady:     s.source.IsReady(),
		GuildsCount:  s.source.GuildCount(),
		LastSave:     time.UnixMilli(st.LastSaveTimestamp).UTC().Format(time.RFC3339Nano),
		PendingSaves: st.PendingCommunityCount,
		WebClients:   s.hub.Subscribers(),
	})
}

func (s *Server) handleSaveStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.SaveStatusEvent())
}

type guildLeaderboardResponse struct {
	GuildID    string              `json:"guildId"`
	GuildName  string              `json:"guildName"`
	Users      []service.BoardUser `json:"users"`
	LastUpdate int64               `json:"lastUpdate"`
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.source.Board(r.Context(), chi.URLParam(r, "guildID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, guildLeaderboardResponse{
		GuildID:    board.GuildID,
		GuildName:  board.GuildName,
		Users:      board.Users,
		LastUpdate: s.clock.Now().UnixMilli(),
	})
}

type guildSummary struct {
	GuildName string              `json:"guildName"`
	Users     []service.BoardUser `json:"users"`
}

type allLeaderboardsResponse struct {
	Data       map[string]guildSummary `json:"data"`
	LastUpdate int64                   `json:"lastUpdate"`
	LastSave   int64                   `json:"lastSave"`
}

func (s *Server) handleAllLeaderboards(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.BuildSnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := allLeaderboardsResponse{
		Data:       make(map[string]guildSummary, len(snap.Guilds)),
		LastUpdate: snap.Timestamp,
		LastSave:   snap.SaveStatus.LastSaveTimestamp,
	}
	for id, board := range snap.Guilds {
		resp.Data[id] = guildSummary{GuildName: board.GuildName, Users: board.Users}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type standingResponse struct {
	UserID        string `json:"userId"`
	Rank          int    `json:"rank"`
	Members       int    `json:"members"`
	Percentile    int    `json:"percentile"`
	IsInVoice     bool   `json:"isInVoice"`
	CurrentTotal  int64  `json:"currentTotal"`
	TimeFormatted string `json:"timeFormatted"`
}

func (s *Server) handleStanding(w http.ResponseWriter, r *http.Request) {
	st, err := s.source.UserStanding(r.Context(), chi.URLParam(r, "guildID"), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, standingResponse{
		UserID:        st.UserID,
		Rank:          st.Rank,
		Members:       st.Members,
		Percentile:    st.Percentile,
		IsInVoice:     st.InVoice,
		CurrentTotal:  st.Total.Milliseconds(),
		TimeFormatted: utils.FormatDurationOf(st.Total),
	})
}
