package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voiceboard/internal/notify"
	"voiceboard/internal/service"
)

const (
	eventRequestData       = "requestData"
	eventRequestSaveStatus = "requestSaveStatus"

	clientBuffer = 16
	writeTimeout = 10 * time.Second
)

// LiveSource feeds websocket subscribers.
type LiveSource interface {
	IsReady() bool
	Latest() *service.Snapshot
	Broadcast(ctx context.Context) error
	SaveStatusEvent() service.SaveEvent
}

type subscriber struct {
	id   uuid.UUID
	send chan notify.Event
}

// Hub fans events out to websocket subscribers. It implements notify.Publisher.
type Hub struct {
	source LiveSource
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*subscriber
}

// NewHub creates an empty hub. Its source is the one the Server serving it
// was built with, so the hub can be handed to the service as a publisher first.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("hub"),
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// Publish queues ev for every subscriber. A subscriber whose buffer is full
// misses the event.
func (h *Hub) Publish(_ context.Context, ev notify.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		select {
		case sub.send <- ev:
		default:
			h.logger.Warn("Subscriber too slow, dropping event",
				zap.Stringer("subscriber", sub.id),
				zap.String("event", ev.Name))
		}
	}
	return nil
}

// Subscribers counts connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) add() *subscriber {
	sub := &subscriber{id: uuid.New(), send: make(chan notify.Event, clientBuffer)}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
}

// greeting is what a new subscriber receives first.
func (h *Hub) greeting() []notify.Event {
	if !h.source.IsReady() {
		return []notify.Event{{
			Name: notify.EventBotStatus,
			Data: service.BotStatus{IsReady: false, Message: "Bot is starting up..."},
		}}
	}
	var events []notify.Event
	if snap := h.source.Latest(); snap != nil {
		events = append(events, notify.Event{Name: notify.EventLeaderboardUpdate, Data: snap})
	}
	return append(events, notify.Event{Name: notify.EventSaveStatus, Data: h.source.SaveStatusEvent()})
}

// ServeHTTP upgrades the request to a websocket and streams events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug("Websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	sub := h.add()
	defer h.remove(sub)
	logger := h.logger.With(zap.Stringer("subscriber", sub.id))
	logger.Debug("Subscriber connected", zap.String("remoteAddr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for _, ev := range h.greeting() {
		sub.send <- ev
	}

	go h.readLoop(ctx, cancel, conn, sub, logger)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			logger.Debug("Subscriber disconnected")
			return
		case ev := <-sub.send:
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				logger.Debug("Write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *subscriber, logger *zap.Logger) {
	defer cancel()
	for {
		var msg notify.Event
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		switch msg.Name {
		case eventRequestData:
			if !h.source.IsReady() {
				continue
			}
			if err := h.source.Broadcast(ctx); err != nil {
				logger.Warn("Requested broadcast failed", zap.Error(err))
			}
		case eventRequestSaveStatus:
			select {
			case sub.send <- notify.Event{Name: notify.EventSaveStatus, Data: h.source.SaveStatusEvent()}:
			default:
			}
		default:
			logger.Debug("Ignoring unknown client event", zap.String("event", msg.Name))
		}
	}
}
