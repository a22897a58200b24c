package ota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a transfer.
type State string

const (
	StateInitiated    State = "initiated"
	StateTransferring State = "transferring"
	StateVerifying    State = "verifying"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Failure reasons reported with StateFailed.
const (
	ReasonChunkAckTimeout   = "chunk_ack_timeout"
	ReasonVerifyTimeout     = "verify_timeout"
	ReasonChecksumMismatch  = "checksum_mismatch"
	ReasonConnectionLost    = "connection_lost"
	ReasonDeviceUnavailable = "device_unavailable"
)

var (
	ErrAlreadyActive       = errors.New("transfer already active")
	ErrNoResumableTransfer = errors.New("no resumable transfer")
	ErrNoTransfer          = errors.New("no transfer for con_id")
	ErrInvalidImage        = errors.New("invalid firmware image")
	ErrEngineClosed        = errors.New("transfer engine closed")
)

// Status is a snapshot of a transfer.
type Status struct {
	ConID       string    `json:"con_id"`
	State       State     `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	Size        int       `json:"size"`
	ChunkSize   int       `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	Acked       int       `json:"acked"`
	Checksum    string    `json:"checksum"`
	Detached    bool      `json:"detached,omitempty"`
	Started     time.Time `json:"started"`
	Updated     time.Time `json:"updated"`
}

// NextChunk is the index the chunk loop sends next.
func (s Status) NextChunk() int {
	return s.Acked
}

// FormatChecksum renders a CRC-32 the way it travels on the wire.
func FormatChecksum(sum uint32) string {
	return fmt.Sprintf("0x%08x", sum)
}

type ack struct {
	index int
	ok    bool
}

// VerifyResult is the device's verdict on the assembled image.
type VerifyResult struct {
	Checksum    uint32
	HasChecksum bool
	OK          bool
}

// run is one execution of the chunk loop. Pausing or cancelling a transfer
// halts its run; resuming starts a new one with fresh channels so stale
// acks never reach it.
type run struct {
	stop   chan struct{}
	once   sync.Once
	acks   chan ack
	verify chan VerifyResult
}

func newRun() *run {
	return &run{
		stop:   make(chan struct{}),
		acks:   make(chan ack, 16),
		verify: make(chan VerifyResult, 1),
	}
}

func (r *run) halt() {
	r.once.Do(func() { close(r.stop) })
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// transfer fields are guarded by Engine.mu except gate, which orders
// device sends against cancellation.
type transfer struct {
	conID        string
	connID       uint64 // 0 while detached
	image        []byte
	size         int
	chunkSize    int
	total        int
	checksum     uint32
	highestAcked int
	state        State
	reason       string
	started      time.Time
	updated      time.Time

	run        *run
	cancelling bool
	expiry     *time.Timer
	expiryGen  uint64
	finished   chan struct{}

	gate sync.Mutex
}

func (t *transfer) status() Status {
	return Status{
		ConID:       t.conID,
		State:       t.state,
		Reason:      t.reason,
		Size:        t.size,
		ChunkSize:   t.chunkSize,
		TotalChunks: t.total,
		Acked:       t.highestAcked + 1,
		Checksum:    FormatChecksum(t.checksum),
		Detached:    t.connID == 0,
		Started:     t.started,
		Updated:     t.updated,
	}
}

// finish records a terminal state. Callers hold Engine.mu.
func (t *transfer) finish(state State, reason string) {
	t.state = state
	t.reason = reason
	t.updated = time.Now()
	t.image = nil
	if t.run != nil {
		t.run.halt()
		t.run = nil
	}
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	close(t.finished)
}
