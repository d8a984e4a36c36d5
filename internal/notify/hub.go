package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"haven/api/internal/metrics"
	"haven/api/internal/visibility"
)

// RoleResolver looks up the current role of a connected viewer. An error
// means the viewer should receive nothing.
type RoleResolver interface {
	ResolveRole(ctx context.Context, userID string) (string, error)
}

type HubOptions struct {
	// FilterByVisibility withholds events whose post the viewer cannot read.
	// When false every connected viewer receives every event.
	FilterByVisibility bool
	Roles              RoleResolver
	AllowedOrigin      string
	Logger             *zap.Logger
	Metrics            *metrics.Metrics

	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration

	// QueueSize bounds the events waiting for Run. Publish fails once it is full.
	QueueSize int
	// BroadcastTimeout bounds one fan-out, role lookups included.
	BroadcastTimeout time.Duration
	// ResolveConcurrency caps parallel role lookups within one fan-out.
	ResolveConcurrency int
}

// ErrQueueFull is returned by Publish when Run is not keeping up.
var ErrQueueFull = errors.New("live event queue is full")

type client struct {
	conn     *websocket.Conn
	viewerID string
	mu       sync.Mutex
}

func (c *client) send(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Hub is the registry of live websocket listeners for this process.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	opts     HubOptions
	logger   *zap.Logger
	queue    chan Event
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 30 * time.Second
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = 8
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		opts:    opts,
		logger:  opts.Logger.Named("hub"),
		queue:   make(chan Event, opts.QueueSize),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return origin == h.opts.AllowedOrigin
}

// Serve upgrades the request and keeps the connection registered until the
// peer goes away. viewerID must already be authenticated.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, viewerID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, viewerID: viewerID}
	h.add(c)
	defer h.remove(c)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(c, done)

	// Listeners never send anything meaningful; reading keeps control frames flowing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.String("viewer_id", viewerID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(h.opts.WriteTimeout); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.opts.Metrics.SetLiveClients(n)
	h.logger.Debug("listener connected", zap.String("viewer_id", c.viewerID), zap.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	h.opts.Metrics.SetLiveClients(n)
	h.logger.Debug("listener disconnected", zap.String("viewer_id", c.viewerID), zap.Int("clients", n))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues ev for Run and returns without touching any listener, so a
// write never waits on the fan-out.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	select {
	case h.queue <- stamp(ev):
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			bctx, cancel := context.WithTimeout(ctx, h.opts.BroadcastTimeout)
			h.Broadcast(bctx, ev)
			cancel()
		}
	}
}

// Broadcast writes ev to every listener allowed to see it and returns the
// number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, ev Event) int {
	ev = stamp(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("marshal event", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	filtered := h.opts.FilterByVisibility && ev.Audience != nil
	var roles map[string]string
	if filtered && h.opts.Roles != nil {
		roles = h.resolveRoles(ctx, clients)
	}

	delivered := 0
	for _, c := range clients {
		if filtered && !h.allowed(*ev.Audience, c.viewerID, roles) {
			h.opts.Metrics.LiveDelivery(false)
			continue
		}
		if err := c.send(data, h.opts.WriteTimeout); err != nil {
			h.logger.Debug("drop listener after failed write", zap.String("viewer_id", c.viewerID), zap.Error(err))
			h.remove(c)
			continue
		}
		h.opts.Metrics.LiveDelivery(true)
		delivered++
	}
	return delivered
}

// resolveRoles looks up every distinct listener once, in parallel. Viewers
// that cannot be resolved are left out of the map.
func (h *Hub) resolveRoles(ctx context.Context, clients []*client) map[string]string {
	var (
		mu    sync.Mutex
		roles = make(map[string]string, len(clients))
		seen  = make(map[string]struct{}, len(clients))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.ResolveConcurrency)
	for _, c := range clients {
		viewerID := c.viewerID
		if _, dup := seen[viewerID]; dup {
			continue
		}
		seen[viewerID] = struct{}{}
		g.Go(func() error {
			role, err := h.opts.Roles.ResolveRole(gctx, viewerID)
			if err != nil || role == "" {
				h.logger.Debug("resolve listener role", zap.String("viewer_id", viewerID), zap.Error(err))
				return nil
			}
			mu.Lock()
			roles[viewerID] = role
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return roles
}

// allowed reports whether viewerID may see an event for audience. Without a
// resolver the viewer is judged on identity alone; with one, an unresolved
// viewer sees nothing.
func (h *Hub) allowed(audience visibility.Subject, viewerID string, roles map[string]string) bool {
	if h.opts.Roles == nil {
		return visibility.CanView(audience, viewerID, "")
	}
	role, ok := roles[viewerID]
	if !ok {
		return false
	}
	return visibility.CanView(audience, viewerID, role)
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		h.remove(c)
	}
}
