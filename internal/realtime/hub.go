package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/charlesng35/spoilr/pkg/logger"
	"github.com/charlesng35/spoilr/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10

	// DefaultCapacity bounds the frames queued per socket.
	DefaultCapacity = 500
	// DefaultExpiry drops frames that waited longer than this.
	DefaultExpiry = 10 * time.Second
)

// Frame is what a client receives.
type Frame struct {
	Key  string `json:"key"`
	Data any    `json:"data"`
}

// Envelope is the group message. Consumers forward Event as the client frame.
type Envelope struct {
	Type  string `json:"type"`
	Event Frame  `json:"event"`
}

type wireEnvelope struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

type queued struct {
	payload []byte
	at      time.Time
}

// Options tunes a Hub.
type Options struct {
	Capacity int
	Expiry   time.Duration
	Now      func() time.Time
}

// Hub joins local sockets to groups and relays broker messages to them.
type Hub struct {
	broker   Broker
	capacity int
	expiry   time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu     sync.RWMutex
	groups map[string]map[*connection]struct{}

	upgrader websocket.Upgrader
}

// NewHub constructs a hub over broker. A nil broker uses a MemoryBroker.
func NewHub(broker Broker, opts Options) *Hub {
	if broker == nil {
		broker = NewMemoryBroker()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		broker:   broker,
		capacity: opts.Capacity,
		expiry:   opts.Expiry,
		now:      opts.Now,
		log:      logger.WithModule("realtime"),
		groups:   make(map[string]map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Run relays broker messages to local sockets until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Subscribe(ctx, h.deliver)
}

// SendEvent publishes {type:"handle.event", event:{key,data}} on group. It
// never blocks on slow sockets.
func (h *Hub) SendEvent(ctx context.Context, group, key string, data any) error {
	payload, err := json.Marshal(Envelope{Type: EventType, Event: Frame{Key: key, Data: data}})
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", key, err)
	}
	return h.broker.Publish(ctx, group, payload)
}

func (h *Hub) deliver(group string, payload []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type != EventType {
		h.log.Warn("ignoring malformed group message", zap.String("group", group))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	item := queued{payload: env.Event, at: h.now()}
	for conn := range h.groups[group] {
		conn.enqueue(item)
	}
}

// Members reports how many local sockets joined group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) join(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, group := range conn.groups {
		if h.groups[group] == nil {
			h.groups[group] = make(map[*connection]struct{})
		}
		h.groups[group][conn] = struct{}{}
	}
	metrics.WebsocketConnections.Inc()
}

func (h *Hub) leave(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, group := range conn.groups {
		members := h.groups[group]
		delete(members, conn)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	metrics.WebsocketConnections.Dec()
}

// Serve upgrades the request and keeps the socket in groups until it closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, groups []string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := h.attach(groups)
	conn.socket = socket

	go conn.writeLoop()
	conn.readLoop()
}

// attach registers a connection without a socket; Serve fills it in.
func (h *Hub) attach(groups []string) *connection {
	conn := &connection{
		hub:    h,
		groups: groups,
		send:   make(chan queued, h.capacity),
		done:   make(chan struct{}),
	}
	h.join(conn)
	return conn
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	groups []string
	send   chan queued
	done   chan struct{}
	once   sync.Once
}

func (c *connection) enqueue(item queued) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- item:
	default:
		metrics.WebsocketFrames.WithLabelValues("dropped").Inc()
	}
}

// next returns item's payload unless it waited past the expiry.
func (c *connection) next(item queued) ([]byte, bool) {
	if c.hub.now().Sub(item.at) > c.hub.expiry {
		metrics.WebsocketFrames.WithLabelValues("expired").Inc()
		return nil, false
	}
	return item.payload, true
}

func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case item := <-c.send:
			payload, ok := c.next(item)
			if !ok {
				continue
			}
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			metrics.WebsocketFrames.WithLabelValues("delivered").Inc()
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close leaves every group. It is safe to call more than once.
func (c *connection) close() {
	c.once.Do(func() {
		c.hub.leave(c)
		close(c.done)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
