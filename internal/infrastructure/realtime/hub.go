// Package realtime keeps the live websocket sessions of staff and
// customers, groups them into rooms and pushes events to them.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/identity"
	"go.uber.org/zap"
)

// Room names and events shared with the clients
const (
	RoomUsers   = "users"
	RoomClients = "clients"

	EventInvalidate     = "invalidate"
	EventStorageReplace = "socket-storage-replace"
	EventStorageChange  = "socket-storage-change"

	KeyActiveUsers = "active-users"
)

var (
	// ErrTooManyConnections is returned when the hub is full
	ErrTooManyConnections = errors.New("too many realtime connections")
	// ErrHubClosed is returned once Close has been called
	ErrHubClosed = errors.New("realtime hub closed")
)

// RequestHandler answers request frames
type RequestHandler interface {
	HandleWith(ctx context.Context, req rpc.Request, r rpc.Resolver) *rpc.Response
}

// StorageChange is the payload of socket-storage-change
type StorageChange struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Hub owns every connection and room
type Hub struct {
	handler  RequestHandler
	resolver rpc.Resolver
	state    *SharedState
	logger   *zap.Logger

	pingInterval   time.Duration
	writeTimeout   time.Duration
	maxConns       int
	sendBuffer     int
	originPatterns []string

	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]*Conn
	closed bool

	rosterMu sync.Mutex
	wg       sync.WaitGroup
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubLogger sets the logger
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithPingInterval sets how often idle sockets are pinged
func WithPingInterval(d time.Duration) HubOption {
	return func(h *Hub) {
		h.pingInterval = d
	}
}

// WithWriteTimeout bounds a single frame write
func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		h.writeTimeout = d
	}
}

// WithMaxConnections caps concurrent sessions; 0 means unlimited
func WithMaxConnections(n int) HubOption {
	return func(h *Hub) {
		h.maxConns = n
	}
}

// WithSendBuffer sets the per-connection frame queue length
func WithSendBuffer(n int) HubOption {
	return func(h *Hub) {
		h.sendBuffer = n
	}
}

// WithOriginPatterns sets the accepted Origin host patterns
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) {
		h.originPatterns = patterns
	}
}

// NewHub creates a hub answering requests through handler and resolving
// handshake credentials through resolver.
func NewHub(handler RequestHandler, resolver rpc.Resolver, state *SharedState, opts ...HubOption) *Hub {
	if state == nil {
		state = NewSharedState()
	}
	h := &Hub{
		handler:      handler,
		resolver:     resolver,
		state:        state,
		logger:       zap.NewNop(),
		pingInterval: 10 * time.Second,
		writeTimeout: 5 * time.Second,
		sendBuffer:   64,
		conns:        make(map[string]*Conn),
		rooms:        make(map[string]map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 10 * time.Second
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 5 * time.Second
	}
	if h.sendBuffer < 1 {
		h.sendBuffer = 1
	}

	if _, ok := state.Get(KeyActiveUsers); !ok {
		state.SetSilently(KeyActiveUsers, []string{})
	}
	state.Subscribe("socket-gate", func(key string, value any) {
		h.SendTo(RoomUsers, EventStorageChange, StorageChange{Key: key, Value: value})
	})
	return h
}

// State returns the shared state mirrored to staff
func (h *Hub) State() *SharedState { return h.state }

// Connect registers a session and starts resolving its credentials. The
// connection joins its rooms once resolution finishes.
func (h *Hub) Connect(ctx context.Context, hs Handshake) (*Conn, error) {
	c := newConn(hs, h.resolver, h.sendBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if h.maxConns > 0 && len(h.conns) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.conns[c.id] = c
	h.wg.Add(1)
	h.mu.Unlock()

	h.logger.Debug("Socket connected", zap.String("conn_id", c.id))

	go func() {
		defer h.wg.Done()
		h.join(ctx, c)
	}()
	return c, nil
}

// goTracked runs fn on a goroutine Close waits for. It reports false
// without running fn once the hub is closed.
func (h *Hub) goTracked(fn func()) bool {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return false
	}
	h.wg.Add(1)
	h.mu.RUnlock()

	go func() {
		defer h.wg.Done()
		fn()
	}()
	return true
}

func (h *Hub) join(ctx context.Context, c *Conn) {
	if hs := c.handshake; hs.UserID != "" {
		id, err := c.resolver.Resolve(ctx, hs.UserID)
		if err != nil {
			h.logger.Warn("Failed to resolve client", zap.String("conn_id", c.id), zap.Error(err))
		} else if customer := identity.AsCustomer(id); customer != nil {
			h.attach(c, customer, RoomClients, customer.LeadID)
			h.logger.Debug("Client connected", zap.String("lead", customer.LeadID))
		}
	}

	if hs := c.handshake; hs.Session != "" {
		id, err := c.resolver.Resolve(ctx, hs.Session)
		if err != nil {
			h.logger.Warn("Failed to resolve user", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
		staff := identity.AsStaff(id)
		if staff == nil {
			return
		}
		if !h.attach(c, staff, RoomUsers, staff.Login) {
			return
		}
		c.enqueue(Frame{Type: FrameEvent, Event: EventStorageReplace, Data: h.state.Snapshot()})
		h.refreshRoster()
		h.logger.Debug("User connected", zap.String("login", staff.Login))
	}
}

// attach records the caller and joins rooms unless the connection is gone
// or already joined with a staff identity.
func (h *Hub) attach(c *Conn, caller identity.Identity, rooms ...string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, live := h.conns[c.id]; !live {
		return false
	}

	c.mu.Lock()
	if c.closed || identity.AsStaff(c.caller) != nil {
		c.mu.Unlock()
		return false
	}
	c.caller = caller
	for _, r := range rooms {
		c.rooms[r] = struct{}{}
	}
	c.mu.Unlock()

	for _, r := range rooms {
		members, ok := h.rooms[r]
		if !ok {
			members = make(map[string]*Conn)
			h.rooms[r] = members
		}
		members[c.id] = c
	}
	return true
}

// Disconnect removes the session from every room and closes its outbox
func (h *Hub) Disconnect(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.id)
	for _, r := range c.Rooms() {
		if members, ok := h.rooms[r]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, r)
			}
		}
	}
	h.mu.Unlock()

	c.close()
	if staff := identity.AsStaff(c.Caller()); staff != nil {
		h.refreshRoster()
		h.logger.Debug("User disconnected", zap.String("login", staff.Login))
	}
}

// Close disconnects every session and waits for pending joins and
// requests. The hub accepts no new work afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Disconnect(c)
	}
	h.wg.Wait()
}

// Broadcast sends event to every connection in any of rooms. A connection
// in several of the rooms receives it once. Returns the number of
// connections reached.
func (h *Hub) Broadcast(rooms []string, event string, data any) int {
	h.mu.RLock()
	targets := make(map[string]*Conn)
	for _, r := range rooms {
		for id, c := range h.rooms[r] {
			targets[id] = c
		}
	}
	h.mu.RUnlock()

	frame := Frame{Type: FrameEvent, Event: event, Data: data}
	sent := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
			continue
		}
		h.logger.Warn("Dropped realtime event for slow connection",
			zap.String("conn_id", c.id),
			zap.String("event", event),
		)
	}
	return sent
}

// SendTo sends event to one room
func (h *Hub) SendTo(room, event string, data any) int {
	return h.Broadcast([]string{room}, event, data)
}

// Count returns the number of live connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ActiveUsers lists the logins with at least one joined staff connection
func (h *Hub) ActiveUsers() []string {
	h.mu.RLock()
	seen := make(map[string]struct{})
	for _, c := range h.rooms[RoomUsers] {
		if staff := identity.AsStaff(c.Caller()); staff != nil {
			seen[staff.Login] = struct{}{}
		}
	}
	h.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for login := range seen {
		out = append(out, login)
	}
	sort.Strings(out)
	return out
}

// refreshRoster republishes the active users when the set of logins changed
func (h *Hub) refreshRoster() {
	h.rosterMu.Lock()
	defer h.rosterMu.Unlock()

	current := h.ActiveUsers()
	if prev, ok := h.state.Get(KeyActiveUsers); ok {
		if logins, ok := prev.([]string); ok && equalSets(logins, current) {
			return
		}
	}
	h.state.Set(KeyActiveUsers, current)
}

// handleRequest answers one request frame on the connection
func (h *Hub) handleRequest(ctx context.Context, c *Conn, in inbound) {
	resp := h.handler.HandleWith(ctx, rpc.Request{
		Endpoint:   in.Endpoint,
		Method:     in.Method,
		Credential: c.handshake.Credential(),
		Payload:    in.Payload,
	}, c.resolver)

	if !c.enqueue(Frame{Type: FrameResponse, ID: in.ID, Data: resp.Data}) {
		h.logger.Warn("Dropped realtime response",
			zap.String("conn_id", c.id),
			zap.String("endpoint", in.Endpoint),
		)
	}
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}
