// Package registry tracks the push connections and pull listeners attached to
// this process and delivers bus notifications to them. It is a single owned
// object with an explicit lifecycle; register, unregister, and deliver are its
// only mutation points.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/drblury/boardflow/internal/envelope"
	"github.com/drblury/boardflow/internal/metrics"
)

// ErrConnectionLimit is returned when the per-instance push connection pool
// is exhausted.
var ErrConnectionLimit = errors.New("registry: push connection limit reached")

// Config tunes the registry.
type Config struct {
	// MaxPushConnections caps the total push connections on this instance.
	MaxPushConnections int

	// QueueSize bounds the outgoing queue of every connection and listener.
	QueueSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxPushConnections <= 0 {
		cfg.MaxPushConnections = 128
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	return cfg
}

// PushConn is a registered push connection scoped to one board. Events arrive
// on Events; the owner drains it from a single goroutine, which serialises
// socket writes. Done is closed on unregistration or registry shutdown, after
// which no new delivery targets the connection.
type PushConn struct {
	board     string
	createdAt time.Time
	events    chan envelope.ActivityEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (c *PushConn) Board() string                         { return c.board }
func (c *PushConn) Events() <-chan envelope.ActivityEvent { return c.events }
func (c *PushConn) Done() <-chan struct{}                 { return c.done }

// Listener is a registered pull listener. It observes every board's activity
// through a bounded queue that favours liveness: when full, the oldest queued
// event is dropped.
type Listener struct {
	createdAt time.Time
	events    chan envelope.ActivityEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (l *Listener) Events() <-chan envelope.ActivityEvent { return l.events }
func (l *Listener) Done() <-chan struct{}                 { return l.done }

// Registry is the per-process connection table.
type Registry struct {
	conf    Config
	metrics *metrics.Pipeline

	mu        sync.Mutex
	boards    map[string]map[*PushConn]struct{}
	listeners map[*Listener]struct{}
	closed    bool
}

// New creates an empty registry.
func New(conf Config, m *metrics.Pipeline) *Registry {
	return &Registry{
		conf:      conf.withDefaults(),
		metrics:   m,
		boards:    make(map[string]map[*PushConn]struct{}),
		listeners: make(map[*Listener]struct{}),
	}
}

// RegisterPush adds a push connection for the given board. The broadcast
// scope is fixed at registration and never mutates.
func (r *Registry) RegisterPush(board string) (*PushConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("registry: closed")
	}

	total := 0
	for _, conns := range r.boards {
		total += len(conns)
	}
	if total >= r.conf.MaxPushConnections {
		return nil, ErrConnectionLimit
	}

	conn := &PushConn{
		board:     board,
		createdAt: time.Now(),
		events:    make(chan envelope.ActivityEvent, r.conf.QueueSize),
		done:      make(chan struct{}),
	}
	conns, ok := r.boards[board]
	if !ok {
		conns = make(map[*PushConn]struct{})
		r.boards[board] = conns
	}
	conns[conn] = struct{}{}
	r.metrics.SetActiveConnections(board, len(conns))
	return conn, nil
}

// UnregisterPush removes the connection. Effective immediately: once this
// returns, Deliver never targets the connection again and its Done channel is
// closed.
func (r *Registry) UnregisterPush(conn *PushConn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	if conns, ok := r.boards[conn.board]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.boards, conn.board)
		}
		r.metrics.SetActiveConnections(conn.board, len(conns))
	}
	r.mu.Unlock()

	conn.closeOnce.Do(func() { close(conn.done) })
}

// RegisterListener adds a pull listener observing all boards.
func (r *Registry) RegisterListener() (*Listener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("registry: closed")
	}

	listener := &Listener{
		createdAt: time.Now(),
		events:    make(chan envelope.ActivityEvent, r.conf.QueueSize),
		done:      make(chan struct{}),
	}
	r.listeners[listener] = struct{}{}
	return listener, nil
}

// UnregisterListener removes the listener and closes its Done channel.
func (r *Registry) UnregisterListener(listener *Listener) {
	if listener == nil {
		return
	}

	r.mu.Lock()
	delete(r.listeners, listener)
	r.mu.Unlock()

	listener.closeOnce.Do(func() { close(listener.done) })
}

// ActiveConnections reports the live push connection count for a board.
func (r *Registry) ActiveConnections(board string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards[board])
}

// Deliver routes one bus notification: the event goes to every push
// connection on its board plus every pull listener, with the board's live
// connection count attached. Queue pushes never block; a slow push connection
// loses the frame, a full listener queue sheds its oldest entry. Both cases
// increment a drop counter.
func (r *Registry) Deliver(event envelope.ActivityEvent) {
	r.mu.Lock()
	conns := make([]*PushConn, 0, len(r.boards[event.Board]))
	for conn := range r.boards[event.Board] {
		conns = append(conns, conn)
	}
	listeners := make([]*Listener, 0, len(r.listeners))
	for listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.mu.Unlock()

	event.ActiveConnections = len(conns)

	for _, conn := range conns {
		select {
		case <-conn.done:
			continue
		default:
		}
		select {
		case conn.events <- event:
		default:
			r.metrics.PushDropped()
		}
	}

	for _, listener := range listeners {
		select {
		case <-listener.done:
			continue
		default:
		}
		select {
		case listener.events <- event:
		default:
			// Shed the oldest entry, then retry once. A concurrent Deliver
			// may win the freed slot; losing that race is an ordinary drop.
			select {
			case <-listener.events:
				r.metrics.ListenerDropped()
			default:
			}
			select {
			case listener.events <- event:
			default:
				r.metrics.ListenerDropped()
			}
		}
	}
}

// Close unregisters everything and signals every connection and listener to
// shut down. The registry accepts no registrations afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	var conns []*PushConn
	for board, set := range r.boards {
		for conn := range set {
			conns = append(conns, conn)
		}
		r.metrics.SetActiveConnections(board, 0)
	}
	r.boards = make(map[string]map[*PushConn]struct{})

	var listeners []*Listener
	for listener := range r.listeners {
		listeners = append(listeners, listener)
	}
	r.listeners = make(map[*Listener]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		conn.closeOnce.Do(func() { close(conn.done) })
	}
	for _, listener := range listeners {
		listener.closeOnce.Do(func() { close(listener.done) })
	}
}
