package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/logging"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultQueueSize bounds the outbound frames buffered per peer.
const DefaultQueueSize = 256

var (
	// ErrConnectionClosed is returned when the target peer is gone or cannot
	// accept more frames.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoDevice is returned when no device peer is connected.
	ErrNoDevice = errors.New("no device connected")
)

// ID identifies a registered peer. IDs are never reused.
type ID uint64

// Role separates operator clients from the device gateway.
type Role int

const (
	RoleClient Role = iota
	RoleDevice
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleDevice:
		return "device"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Conn is the transport of a peer. *websocket.Conn satisfies it; the
// registry is its only writer.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Peer is a registered connection.
type Peer struct {
	ID        ID
	Role      Role
	Remote    string
	Connected time.Time

	conn      Conn
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the peer is unregistered.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// PeerInfo is a snapshot of a peer for status reporting.
type PeerInfo struct {
	ID        ID        `json:"id"`
	Role      string    `json:"role"`
	Remote    string    `json:"remote"`
	Connected time.Time `json:"connected"`
}

// Registry tracks live peers and serializes all writes to them.
type Registry struct {
	mu     sync.RWMutex
	peers  map[ID]*Peer
	device ID
	hooks  []func(*Peer)

	queueSize int
	seq       *atomic.Uint64
	sent      *atomic.Uint64
	dropped   *atomic.Uint64
}

// New creates a registry. A queueSize of zero selects DefaultQueueSize.
func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		peers:     make(map[ID]*Peer),
		queueSize: queueSize,
		seq:       atomic.NewUint64(0),
		sent:      atomic.NewUint64(0),
		dropped:   atomic.NewUint64(0),
	}
}

// OnClose adds a hook run once for every peer when it is unregistered.
// Hooks run on the goroutine that unregisters the peer.
func (r *Registry) OnClose(hook func(*Peer)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Register adds a peer and starts its writer. A new device peer replaces
// the current one, which is unregistered.
func (r *Registry) Register(conn Conn, role Role, remote string) ID {
	p := &Peer{
		ID:        ID(r.seq.Inc()),
		Role:      role,
		Remote:    remote,
		Connected: time.Now(),
		conn:      conn,
		queue:     make(chan []byte, r.queueSize),
		done:      make(chan struct{}),
	}

	var replaced ID
	r.mu.Lock()
	r.peers[p.ID] = p
	if role == RoleDevice {
		replaced = r.device
		r.device = p.ID
	}
	r.mu.Unlock()

	go r.writeLoop(p)

	if replaced != 0 {
		logging.Info("Device peer replaced",
			zap.Uint64("old_conn_id", uint64(replaced)),
			zap.Uint64("new_conn_id", uint64(p.ID)))
		r.Unregister(replaced)
	}
	return p.ID
}

// Unregister removes a peer, closes its transport and runs the close hooks.
// It is safe to call more than once and from several goroutines.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	p, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
		if r.device == id {
			r.device = 0
		}
	}
	hooks := r.hooks
	r.mu.Unlock()

	if !ok {
		return
	}
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
		for _, hook := range hooks {
			hook(p)
		}
	})
}

// Send queues frame for the peer.
func (r *Registry) Send(id ID, frame []byte) error {
	r.mu.RLock()
	p, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionClosed
	}
	return r.enqueue(p, frame)
}

// SendDevice queues frame for the device peer.
func (r *Registry) SendDevice(frame []byte) error {
	r.mu.RLock()
	p, ok := r.peers[r.device]
	r.mu.RUnlock()
	if !ok {
		return ErrNoDevice
	}
	if err := r.enqueue(p, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return nil
}

// Broadcast queues frame for every client peer and returns how many
// accepted it.
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Role == RoleClient {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if r.enqueue(p, frame) == nil {
			n++
		}
	}
	return n
}

func (r *Registry) enqueue(p *Peer, frame []byte) error {
	select {
	case <-p.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case p.queue <- frame:
		return nil
	case <-p.done:
		return ErrConnectionClosed
	default:
		r.dropped.Inc()
		return fmt.Errorf("%w: outbound queue full", ErrConnectionClosed)
	}
}

func (r *Registry) writeLoop(p *Peer) {
	for {
		select {
		case frame := <-p.queue:
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Debug("Write failed, dropping peer",
					zap.Uint64("conn_id", uint64(p.ID)),
					zap.Error(err))
				r.Unregister(p.ID)
				return
			}
			r.sent.Inc()
			logging.LogFrame(uint64(p.ID), "out", frame)
		case <-p.done:
			return
		}
	}
}

// Peer returns a registered peer.
func (r *Registry) Peer(id ID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// DeviceConnected reports whether a device peer is registered.
func (r *Registry) DeviceConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[r.device]
	return ok
}

// Peers returns a snapshot of all peers ordered by id.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, PeerInfo{ID: p.ID, Role: p.Role.String(), Remote: p.Remote, Connected: p.Connected})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats reports frames written and frames dropped on full queues.
func (r *Registry) Stats() (sent, dropped uint64) {
	return r.sent.Load(), r.dropped.Load()
}

// Close unregisters every peer.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}
