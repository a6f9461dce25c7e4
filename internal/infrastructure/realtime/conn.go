package realtime

import (
	"encoding/json"
	"sync"

	"github.com/globus/atlas/internal/application/rpc"
	"github.com/globus/atlas/internal/domain/identity"
	"github.com/google/uuid"
)

// Frame is one message pushed to a client
type Frame struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
}

// Frame types
const (
	FrameEvent    = "event"
	FrameResponse = "response"
	FrameRequest  = "request"
)

// Handshake carries the credentials presented when the socket opens
type Handshake struct {
	Session string
	UserID  string
}

// Credential is the value passed to the dispatcher on every request
func (h Handshake) Credential() string {
	if h.Session != "" {
		return h.Session
	}
	return h.UserID
}

// Conn is one client session. Frames queue on a buffered channel drained
// by the transport.
type Conn struct {
	id        string
	handshake Handshake
	resolver  *rpc.ConnectionResolver

	mu     sync.RWMutex
	caller identity.Identity
	rooms  map[string]struct{}
	closed bool
	send   chan Frame
	done   chan struct{}
}

func newConn(h Handshake, base rpc.Resolver, buffer int) *Conn {
	return &Conn{
		id:        uuid.NewString(),
		handshake: h,
		resolver:  rpc.NewConnectionResolver(base),
		caller:    identity.Anonymous,
		rooms:     make(map[string]struct{}),
		send:      make(chan Frame, buffer),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Caller returns the identity joined at connect, Anonymous until then
func (c *Conn) Caller() identity.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// Rooms lists the rooms the connection is in
func (c *Conn) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// Outbox is the stream of frames to write to the client. It is closed
// when the connection leaves the hub.
func (c *Conn) Outbox() <-chan Frame { return c.send }

// Done is closed when the connection leaves the hub
func (c *Conn) Done() <-chan struct{} { return c.done }

// enqueue reports false when the frame was dropped
func (c *Conn) enqueue(f Frame) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	close(c.done)
	return true
}

// inbound is a request frame. Every key other than the envelope fields is
// the call payload.
type inbound struct {
	Type     string
	ID       string
	Endpoint string
	Method   string
	Payload  rpc.Payload
}

func parseInbound(raw map[string]json.RawMessage) (inbound, error) {
	var in inbound
	for key, dst := range map[string]*string{
		"type": &in.Type, "id": &in.ID, "endpoint": &in.Endpoint, "method": &in.Method,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			// ids may be numeric counters
			if key == "id" {
				*dst = string(v)
				continue
			}
			return in, err
		}
	}
	p, err := rpc.PayloadOf(raw)
	if err != nil {
		return in, err
	}
	in.Payload = p
	return in, nil
}
