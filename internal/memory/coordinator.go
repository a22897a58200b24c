package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/muurk/xcpgate/internal/logging"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultTimeout bounds the wait for a device reply.
const DefaultTimeout = 3 * time.Second

var (
	ErrBusy              = errors.New("access already pending")
	ErrTimeout           = errors.New("device reply timed out")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrWriteFailed       = errors.New("device rejected write")
	ErrSessionEnded      = errors.New("session ended")
)

// DeviceError carries an error reported by the device for one access.
type DeviceError struct {
	Message string
}

func (e *DeviceError) Error() string {
	if e.Message == "" {
		return "device error"
	}
	return "device error: " + e.Message
}

// Kind is the access direction.
type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

// Reply is a decoded device answer to mem_read or mem_write.
type Reply struct {
	ConID   string // empty when the device omitted it
	Address uint64
	Kind    Kind
	Value   uint64 // reads
	OK      bool   // writes
	Err     error
}

// Sender delivers frames to the device peer.
type Sender interface {
	SendDevice(frame []byte) error
}

type key struct {
	conID string
	addr  uint64
	kind  Kind
}

type pending struct {
	reply chan Reply
}

// Stats are coordinator counters.
type Stats struct {
	Pending   int    `json:"pending"`
	Completed uint64 `json:"completed"`
	Timeouts  uint64 `json:"timeouts"`
	Discarded uint64 `json:"discarded"`
}

// Coordinator matches device replies to outstanding reads and writes.
// At most one access, read or write, is outstanding per (con_id, address).
// Replies are still correlated by kind.
type Coordinator struct {
	mu      sync.Mutex
	pending map[key]*pending

	sender   Sender
	timeout  time.Duration
	observer logging.Observer

	completed *atomic.Uint64
	timeouts  *atomic.Uint64
	discarded *atomic.Uint64
}

// New creates a coordinator. A zero timeout selects DefaultTimeout and a
// nil observer discards events.
func New(sender Sender, timeout time.Duration, observer logging.Observer) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if observer == nil {
		observer = logging.NopObserver{}
	}
	return &Coordinator{
		pending:   make(map[key]*pending),
		sender:    sender,
		timeout:   timeout,
		observer:  observer,
		completed: atomic.NewUint64(0),
		timeouts:  atomic.NewUint64(0),
		discarded: atomic.NewUint64(0),
	}
}

type deviceFrame struct {
	Cmd   string `json:"cmd"`
	ConID string `json:"con_id"`
	Add   string `json:"add"`
	Size  int    `json:"size"`
	Data  string `json:"data,omitempty"`
}

// Read asks the device for size bits at addr.
func (c *Coordinator) Read(ctx context.Context, conID string, addr uint64, size int) (uint64, error) {
	frame := deviceFrame{Cmd: "mem_read", ConID: conID, Add: FormatAddress(addr), Size: size}
	r, err := c.access(ctx, key{conID, addr, KindRead}, size, frame)
	if err != nil {
		return 0, err
	}
	return r.Value & Mask(size), nil
}

// Write stores the low size bits of value at addr.
func (c *Coordinator) Write(ctx context.Context, conID string, addr uint64, size int, value uint64) error {
	frame := deviceFrame{Cmd: "mem_write", ConID: conID, Add: FormatAddress(addr), Size: size, Data: FormatBinary(value, size)}
	r, err := c.access(ctx, key{conID, addr, KindWrite}, size, frame)
	if err != nil {
		return err
	}
	if !r.OK {
		return ErrWriteFailed
	}
	return nil
}

func (c *Coordinator) access(ctx context.Context, k key, size int, frame deviceFrame) (Reply, error) {
	if !ValidSize(size) {
		return Reply{}, fmt.Errorf("%w: unsupported access size %d", ErrMalformedValue, size)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return Reply{}, err
	}

	p := &pending{reply: make(chan Reply, 1)}
	c.mu.Lock()
	if c.busyLocked(k.conID, k.addr) {
		c.mu.Unlock()
		return Reply{}, ErrBusy
	}
	c.pending[k] = p
	c.mu.Unlock()
	defer c.release(k, p)

	if err := c.sender.SendDevice(data); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-p.reply:
		if r.Err != nil {
			return Reply{}, r.Err
		}
		c.completed.Inc()
		return r, nil
	case <-timer.C:
		c.timeouts.Inc()
		logging.Debug("Memory access timed out",
			zap.String("con_id", k.conID),
			zap.String("add", FormatAddress(k.addr)),
			zap.String("kind", string(k.kind)))
		return Reply{}, ErrTimeout
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Coordinator) busyLocked(conID string, addr uint64) bool {
	for k := range c.pending {
		if k.conID == conID && k.addr == addr {
			return true
		}
	}
	return false
}

func (c *Coordinator) release(k key, p *pending) {
	c.mu.Lock()
	if c.pending[k] == p {
		delete(c.pending, k)
	}
	c.mu.Unlock()
}

// Deliver routes a device reply to its waiting access. A reply without a
// con_id is routed only when exactly one access waits on that address and
// kind. Unmatched replies are counted and dropped.
func (c *Coordinator) Deliver(r Reply) bool {
	c.mu.Lock()
	var (
		p     *pending
		match key
	)
	if r.ConID != "" {
		match = key{r.ConID, r.Address, r.Kind}
		p = c.pending[match]
	} else {
		n := 0
		for k, candidate := range c.pending {
			if k.addr == r.Address && k.kind == r.Kind {
				match, p = k, candidate
				n++
			}
		}
		if n != 1 {
			p = nil
		}
	}
	if p != nil {
		delete(c.pending, match)
	}
	c.mu.Unlock()

	if p == nil {
		c.discarded.Inc()
		logging.Debug("Discarding unmatched device reply",
			zap.String("con_id", r.ConID),
			zap.String("add", FormatAddress(r.Address)),
			zap.String("kind", string(r.Kind)))
		c.observer.Observe(logging.Event{
			Kind:   logging.EventDiscarded,
			ConID:  r.ConID,
			Name:   "mem_" + string(r.Kind),
			Fields: map[string]any{"add": FormatAddress(r.Address)},
		})
		return false
	}

	p.reply <- r
	return true
}

// FailAll completes every outstanding access with err.
func (c *Coordinator) FailAll(err error) int {
	return c.fail(func(key) bool { return true }, err)
}

// DropSession fails the accesses of one con_id.
func (c *Coordinator) DropSession(conID string) int {
	return c.fail(func(k key) bool { return k.conID == conID }, ErrSessionEnded)
}

func (c *Coordinator) fail(match func(key) bool, err error) int {
	c.mu.Lock()
	var victims []*pending
	for k, p := range c.pending {
		if match(k) {
			victims = append(victims, p)
			delete(c.pending, k)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.reply <- Reply{Err: err}
	}
	return len(victims)
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	return Stats{
		Pending:   n,
		Completed: c.completed.Load(),
		Timeouts:  c.timeouts.Load(),
		Discarded: c.discarded.Load(),
	}
}
