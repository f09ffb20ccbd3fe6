package rest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/transfer"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Hub fans transfer events out to websocket subscribers. A subscriber that falls behind loses
// events rather than slowing the transfers down.
type Hub struct {
	mu   sync.Mutex
	subs map[chan transfer.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan transfer.Event]struct{})}
}

func (h *Hub) Report(e transfer.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and the func that ends the subscription.
func (h *Hub) Subscribe() (<-chan transfer.Event, func()) {
	ch := make(chan transfer.Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// HandleEvents streams task events as JSON messages. The optional "key" query parameter limits
// the stream to one task.
func (h *TaskHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if !h.authorized(r) {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	}

	// the server write timeout would otherwise cut long-lived streams
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("could not clear write deadline", "err", err)
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream ended")

	key := r.URL.Query().Get("key")

	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())

	logger.Debug("event subscriber connected", "task_key", key)

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case e := <-events:
			if key != "" && e.Key != key {
				continue
			}

			if err := writeEvent(ctx, conn, e); err != nil {
				logger.Debug("event subscriber gone", "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e transfer.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, e)
}

func (h *TaskHandler) authorized(r *http.Request) bool {
	if h.username == "" && h.password == "" {
		return true
	}

	username, password, ok := r.BasicAuth()

	return ok && username == h.username && password == h.password
}
