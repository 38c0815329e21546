package monitor

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-aec/pkg/aec"
)

const (
	defaultClientBuffer = 64
	writeTimeout        = 2 * time.Second
)

type client struct {
	frames chan *aec.DebugFrame
}

// Hub streams debug frames as JSON to every connected websocket client.
// Broadcast never blocks: a client that falls behind loses frames.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	buffer  int
	logger  aec.Logger
	dropped atomic.Uint64
	// decimate forwards only every n-th frame when > 1
	decimate int
	seen     uint64
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the hub's logger.
func WithHubLogger(l aec.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// WithDecimation forwards one frame in every n.
func WithDecimation(n int) HubOption {
	return func(h *Hub) { h.decimate = n }
}

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) { h.buffer = n }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients: make(map[*client]struct{}),
		buffer:  defaultClientBuffer,
		logger:  &aec.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.buffer < 1 {
		h.buffer = 1
	}
	return h
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the request context ends. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	c := &client{frames: make(chan *aec.DebugFrame, h.buffer)}
	h.add(c)
	defer h.remove(c)
	h.logger.Info("diagnostics client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("diagnostics client disconnected", "remote", r.RemoteAddr)
			return
		case df := <-c.frames:
			if err := h.write(ctx, conn, df); err != nil {
				h.logger.Warn("diagnostics write failed", "remote", r.RemoteAddr, "error", err)
				conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, df *aec.DebugFrame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, df)
}

// Broadcast queues df for every client.
func (h *Hub) Broadcast(df *aec.DebugFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen++
	if h.decimate > 1 && (h.seen-1)%uint64(h.decimate) != 0 {
		return
	}
	for c := range h.clients {
		select {
		case c.frames <- df:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of frames discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
