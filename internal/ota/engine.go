package ota

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/muurk/xcpgate/internal/logging"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// MaxChunkSize bounds the payload of one chunk.
const MaxChunkSize = 64 * 1024

// ErrDeviceUnavailable is returned by Start when ota_begin cannot reach the device.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Config tunes the chunk loop.
type Config struct {
	ChunkSize     int
	ChunkTimeout  time.Duration
	MaxRetries    int
	VerifyTimeout time.Duration
	ResumeWindow  time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     1024,
		ChunkTimeout:  2 * time.Second,
		MaxRetries:    3,
		VerifyTimeout: 10 * time.Second,
		ResumeWindow:  2 * time.Minute,
	}
}

// Transport moves frames to the device and to the owning client.
type Transport interface {
	SendDevice(frame []byte) error
	SendClient(connID uint64, frame []byte) error
}

// Event is a res:"ota" notification for the owning connection.
type Event struct {
	Res         string `json:"res"`
	ConID       string `json:"con_id"`
	State       string `json:"state"`
	ChunkIndex  *int   `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type beginFrame struct {
	Cmd         string `json:"cmd"`
	ConID       string `json:"con_id"`
	Size        int    `json:"size"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum"`
	ResumeFrom  int    `json:"resume_from,omitempty"`
}

type chunkFrame struct {
	Cmd         string `json:"cmd"`
	ConID       string `json:"con_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
	CRC         string `json:"crc"`
}

type finalizeFrame struct {
	Cmd         string `json:"cmd"`
	ConID       string `json:"con_id"`
	TotalChunks int    `json:"total_chunks"`
	Size        int    `json:"size"`
	Checksum    string `json:"checksum"`
}

type abortFrame struct {
	Cmd   string `json:"cmd"`
	ConID string `json:"con_id"`
}

// Engine drives firmware transfers, one goroutine per running transfer.
// Terminal transfers stay in the table until the con_id starts a new one,
// so repeated cancels report the same outcome.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*transfer
	closed    bool

	cfg       Config
	transport Transport
	observer  logging.Observer
	wg        sync.WaitGroup

	chunksSent  *atomic.Uint64
	retransmits *atomic.Uint64
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(cfg Config, transport Transport, observer logging.Observer) *Engine {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = def.ChunkTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = def.VerifyTimeout
	}
	if cfg.ResumeWindow <= 0 {
		cfg.ResumeWindow = def.ResumeWindow
	}
	if observer == nil {
		observer = logging.NopObserver{}
	}
	return &Engine{
		transfers:   make(map[string]*transfer),
		cfg:         cfg,
		transport:   transport,
		observer:    observer,
		chunksSent:  atomic.NewUint64(0),
		retransmits: atomic.NewUint64(0),
	}
}

// Start begins a transfer of image for conID on connection connID. A zero
// chunkSize selects the configured default. The started event is sent to
// the connection before the first chunk.
func (e *Engine) Start(conID string, connID uint64, image []byte, chunkSize int) (Status, error) {
	if len(image) == 0 {
		return Status{}, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if chunkSize == 0 {
		chunkSize = e.cfg.ChunkSize
	}
	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return Status{}, fmt.Errorf("%w: chunk size %d", ErrInvalidImage, chunkSize)
	}

	now := time.Now()
	t := &transfer{
		conID:        conID,
		connID:       connID,
		image:        image,
		size:         len(image),
		chunkSize:    chunkSize,
		total:        (len(image) + chunkSize - 1) / chunkSize,
		checksum:     crc32.ChecksumIEEE(image),
		highestAcked: -1,
		state:        StateInitiated,
		started:      now,
		updated:      now,
		finished:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Status{}, ErrEngineClosed
	}
	if e.activeLocked(conID, connID) {
		e.mu.Unlock()
		return Status{}, ErrAlreadyActive
	}
	e.transfers[conID] = t
	e.mu.Unlock()
	e.observe(t.conID, connID, StateInitiated, "")

	err := e.sendGated(t, nil, beginFrame{
		Cmd:         "ota_begin",
		ConID:       conID,
		Size:        t.size,
		ChunkSize:   t.chunkSize,
		TotalChunks: t.total,
		Checksum:    FormatChecksum(t.checksum),
	})
	if err != nil {
		e.mu.Lock()
		if !t.state.Terminal() && !t.cancelling {
			t.finish(StateFailed, ReasonDeviceUnavailable)
		}
		s := t.status()
		e.mu.Unlock()
		e.observe(conID, connID, s.State, s.Reason)
		return s, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	e.mu.Lock()
	if t.state.Terminal() || t.cancelling {
		s := t.status()
		e.mu.Unlock()
		return s, nil
	}
	t.state = StateTransferring
	t.updated = time.Now()
	var r *run
	if t.connID != 0 {
		r = newRun()
		t.run = r
		e.wg.Add(1)
	} else {
		e.armExpiryLocked(t)
	}
	s := t.status()
	e.mu.Unlock()

	e.observe(conID, connID, StateTransferring, "")
	e.notify(connID, Event{State: "started", ConID: conID, TotalChunks: t.total, Checksum: s.Checksum})
	if r != nil {
		go e.loop(t, r, 0, image, false)
	}
	return s, nil
}

// activeLocked reports whether conID or connID already has a live transfer.
func (e *Engine) activeLocked(conID string, connID uint64) bool {
	if t, ok := e.transfers[conID]; ok && !t.state.Terminal() {
		return true
	}
	for _, t := range e.transfers {
		if t.connID == connID && connID != 0 && !t.state.Terminal() {
			return true
		}
	}
	return false
}

func (e *Engine) loop(t *transfer, r *run, start int, image []byte, resumed bool) {
	defer e.wg.Done()

	if resumed {
		err := e.sendGated(t, r, beginFrame{
			Cmd:         "ota_begin",
			ConID:       t.conID,
			Size:        t.size,
			ChunkSize:   t.chunkSize,
			TotalChunks: t.total,
			Checksum:    FormatChecksum(t.checksum),
			ResumeFrom:  start,
		})
		if err != nil {
			if !errors.Is(err, errHalted) {
				e.pause(t, r, ReasonDeviceUnavailable)
			}
			return
		}
	}

	for idx := start; idx < t.total; idx++ {
		if r.stopped() {
			return
		}
		if !e.sendChunk(t, r, idx, image) {
			return
		}
	}
	e.verify(t, r)
}

var errHalted = errors.New("run halted")

// sendGated sends frame to the device while holding the transfer's send
// gate. With a run, nothing is sent once that run has been halted.
func (e *Engine) sendGated(t *transfer, r *run, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.gate.Lock()
	defer t.gate.Unlock()
	if r != nil && r.stopped() {
		return errHalted
	}
	return e.transport.SendDevice(data)
}

func (e *Engine) sendChunk(t *transfer, r *run, idx int, image []byte) bool {
	end := (idx + 1) * t.chunkSize
	if end > len(image) {
		end = len(image)
	}
	chunk := image[idx*t.chunkSize : end]
	frame := chunkFrame{
		Cmd:         "ota_chunk",
		ConID:       t.conID,
		ChunkIndex:  idx,
		TotalChunks: t.total,
		Data:        base64.StdEncoding.EncodeToString(chunk),
		CRC:         FormatChecksum(crc32.ChecksumIEEE(chunk)),
	}

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.retransmits.Inc()
			logging.Debug("Retransmitting chunk",
				zap.String("con_id", t.conID),
				zap.Int("chunk_index", idx),
				zap.Int("attempt", attempt))
		}

		if err := e.sendGated(t, r, frame); err != nil {
			if !errors.Is(err, errHalted) {
				e.pause(t, r, ReasonDeviceUnavailable)
			}
			return false
		}
		e.chunksSent.Inc()

		switch e.awaitAck(r, idx) {
		case ackReceived:
			e.acked(t, idx)
			return true
		case ackStopped:
			return false
		}
	}

	e.fail(t, r, ReasonChunkAckTimeout)
	return false
}

type ackOutcome int

const (
	ackReceived ackOutcome = iota
	ackRetry
	ackStopped
)

func (e *Engine) awaitAck(r *run, idx int) ackOutcome {
	timer := time.NewTimer(e.cfg.ChunkTimeout)
	defer timer.Stop()
	for {
		select {
		case <-r.stop:
			return ackStopped
		case a := <-r.acks:
			if a.index != idx {
				continue
			}
			if !a.ok {
				return ackRetry
			}
			return ackReceived
		case <-timer.C:
			return ackRetry
		}
	}
}

func (e *Engine) acked(t *transfer, idx int) {
	e.mu.Lock()
	if idx > t.highestAcked {
		t.highestAcked = idx
		t.updated = time.Now()
	}
	owner := t.connID
	e.mu.Unlock()

	i := idx
	e.notify(owner, Event{State: "progress", ConID: t.conID, ChunkIndex: &i, TotalChunks: t.total})
}

func (e *Engine) verify(t *transfer, r *run) {
	e.mu.Lock()
	if r.stopped() || t.state.Terminal() || t.cancelling {
		e.mu.Unlock()
		return
	}
	t.state = StateVerifying
	t.updated = time.Now()
	owner := t.connID
	e.mu.Unlock()
	e.observe(t.conID, owner, StateVerifying, "")

	// Drop verdicts that arrived before finalize was requested.
	select {
	case <-r.verify:
	default:
	}

	err := e.sendGated(t, r, finalizeFrame{
		Cmd:         "ota_finalize",
		ConID:       t.conID,
		TotalChunks: t.total,
		Size:        t.size,
		Checksum:    FormatChecksum(t.checksum),
	})
	if err != nil {
		if !errors.Is(err, errHalted) {
			e.pause(t, r, ReasonDeviceUnavailable)
		}
		return
	}

	timer := time.NewTimer(e.cfg.VerifyTimeout)
	defer timer.Stop()
	select {
	case <-r.stop:
	case res := <-r.verify:
		if !res.OK || (res.HasChecksum && res.Checksum != t.checksum) {
			e.fail(t, r, ReasonChecksumMismatch)
			return
		}
		e.complete(t, r)
	case <-timer.C:
		e.fail(t, r, ReasonVerifyTimeout)
	}
}

func (e *Engine) complete(t *transfer, r *run) {
	e.mu.Lock()
	if r.stopped() || t.state.Terminal() || t.cancelling {
		e.mu.Unlock()
		return
	}
	owner := t.connID
	t.finish(StateCompleted, "")
	e.mu.Unlock()

	e.observe(t.conID, owner, StateCompleted, "")
	e.notify(owner, Event{State: "completed", ConID: t.conID, TotalChunks: t.total, Checksum: FormatChecksum(t.checksum)})
}

// fail ends the transfer and tells the device to discard what it received.
func (e *Engine) fail(t *transfer, r *run, reason string) {
	e.mu.Lock()
	if r.stopped() || t.state.Terminal() || t.cancelling {
		e.mu.Unlock()
		return
	}
	owner := t.connID
	t.finish(StateFailed, reason)
	e.mu.Unlock()

	e.abort(t)
	e.observe(t.conID, owner, StateFailed, reason)
	e.notify(owner, Event{State: "failed", ConID: t.conID, Reason: reason})
}

// pause halts the run but keeps the transfer resumable for the resume window.
func (e *Engine) pause(t *transfer, r *run, reason string) {
	e.mu.Lock()
	if r.stopped() || t.state.Terminal() || t.cancelling {
		e.mu.Unlock()
		return
	}
	r.halt()
	t.run = nil
	e.armExpiryLocked(t)
	owner := t.connID
	e.mu.Unlock()

	logging.Info("Transfer paused",
		zap.String("con_id", t.conID),
		zap.String("reason", reason))
	e.notify(owner, Event{State: "paused", ConID: t.conID, Reason: reason})
}

func (e *Engine) abort(t *transfer) {
	if err := e.sendGated(t, nil, abortFrame{Cmd: "ota_abort", ConID: t.conID}); err != nil {
		logging.Debug("Failed to send ota_abort",
			zap.String("con_id", t.conID),
			zap.Error(err))
	}
}

// armExpiryLocked fails a paused transfer once the resume window passes.
func (e *Engine) armExpiryLocked(t *transfer) {
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.expiryGen++
	gen := t.expiryGen
	t.expiry = time.AfterFunc(e.cfg.ResumeWindow, func() { e.expire(t, gen) })
}

func (e *Engine) expire(t *transfer, gen uint64) {
	e.mu.Lock()
	if t.expiryGen != gen || t.expiry == nil || t.state.Terminal() || t.cancelling || t.run != nil {
		e.mu.Unlock()
		return
	}
	owner := t.connID
	t.finish(StateFailed, ReasonConnectionLost)
	e.mu.Unlock()

	e.abort(t)
	e.observe(t.conID, owner, StateFailed, ReasonConnectionLost)
	e.notify(owner, Event{State: "failed", ConID: t.conID, Reason: ReasonConnectionLost})
}

// Resume continues a paused transfer for conID from the chunk after the
// highest acknowledged one, on behalf of connection connID.
func (e *Engine) Resume(conID string, connID uint64) (Status, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Status{}, ErrEngineClosed
	}
	t, ok := e.transfers[conID]
	if !ok || t.state.Terminal() || t.cancelling {
		e.mu.Unlock()
		return Status{}, ErrNoResumableTransfer
	}
	if t.state == StateInitiated {
		e.mu.Unlock()
		return Status{}, ErrAlreadyActive
	}
	if t.run != nil {
		// A detached transfer still verifying only needs a new owner.
		if t.connID == 0 {
			t.connID = connID
			e.stopExpiryLocked(t)
			s := t.status()
			e.mu.Unlock()
			return s, nil
		}
		e.mu.Unlock()
		return Status{}, ErrAlreadyActive
	}
	if t.connID != 0 && t.connID != connID {
		e.mu.Unlock()
		return Status{}, ErrAlreadyActive
	}
	for _, other := range e.transfers {
		if other != t && other.connID == connID && !other.state.Terminal() {
			e.mu.Unlock()
			return Status{}, ErrAlreadyActive
		}
	}

	t.connID = connID
	e.stopExpiryLocked(t)
	next := t.highestAcked + 1
	r := newRun()
	t.run = r
	t.updated = time.Now()
	image := t.image
	e.wg.Add(1)
	s := t.status()
	e.mu.Unlock()

	e.observe(conID, connID, s.State, "resumed")
	e.notify(connID, Event{State: "progress", ConID: conID, ChunkIndex: &next, TotalChunks: t.total})
	go e.loop(t, r, next, image, true)
	return s, nil
}

func (e *Engine) stopExpiryLocked(t *transfer) {
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
}

// Cancel aborts the transfer for conID. Cancelling a terminal transfer
// returns its existing status. No chunk is sent after Cancel returns.
func (e *Engine) Cancel(conID string) (Status, error) {
	e.mu.Lock()
	t, ok := e.transfers[conID]
	if !ok {
		e.mu.Unlock()
		return Status{}, ErrNoTransfer
	}
	if t.state.Terminal() {
		s := t.status()
		e.mu.Unlock()
		return s, nil
	}
	if t.cancelling {
		finished := t.finished
		e.mu.Unlock()
		<-finished
		e.mu.Lock()
		s := t.status()
		e.mu.Unlock()
		return s, nil
	}
	t.cancelling = true
	if t.run != nil {
		t.run.halt()
		t.run = nil
	}
	e.stopExpiryLocked(t)
	owner := t.connID
	e.mu.Unlock()

	// The gate waits out any chunk send already in flight.
	e.abort(t)

	e.mu.Lock()
	t.finish(StateCancelled, "")
	s := t.status()
	e.mu.Unlock()

	e.observe(conID, owner, StateCancelled, "")
	return s, nil
}

// CancelConnection cancels the live transfer owned by connID, if any.
func (e *Engine) CancelConnection(connID uint64) (Status, bool) {
	e.mu.Lock()
	conID := ""
	for id, t := range e.transfers {
		if t.connID == connID && !t.state.Terminal() {
			conID = id
			break
		}
	}
	e.mu.Unlock()

	if conID == "" {
		return Status{}, false
	}
	s, err := e.Cancel(conID)
	return s, err == nil
}

// Detach releases the transfers owned by a lost connection. Chunk loops
// pause and the transfer waits for Resume until the resume window passes.
func (e *Engine) Detach(connID uint64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, t := range e.transfers {
		if t.connID != connID || t.state.Terminal() || t.cancelling {
			continue
		}
		t.connID = 0
		if t.state != StateVerifying && t.run != nil {
			t.run.halt()
			t.run = nil
		}
		e.armExpiryLocked(t)
		n++
	}
	return n
}

// DeviceLost pauses every running transfer.
func (e *Engine) DeviceLost() int {
	type paused struct {
		conID string
		owner uint64
	}
	var affected []paused

	e.mu.Lock()
	for _, t := range e.transfers {
		if t.state.Terminal() || t.cancelling || t.run == nil {
			continue
		}
		t.run.halt()
		t.run = nil
		e.armExpiryLocked(t)
		affected = append(affected, paused{t.conID, t.connID})
	}
	e.mu.Unlock()

	for _, p := range affected {
		e.notify(p.owner, Event{State: "paused", ConID: p.conID, Reason: ReasonDeviceUnavailable})
	}
	return len(affected)
}

// Ack routes an ota_chunk_ack. An empty conID matches the single running
// transfer, if there is exactly one.
func (e *Engine) Ack(conID string, index int, ok bool) bool {
	r := e.route(conID, func(*transfer) bool { return true })
	if r == nil {
		return false
	}
	select {
	case r.acks <- ack{index: index, ok: ok}:
		return true
	default:
		return false
	}
}

// Verify routes an ota_verify verdict. Only a transfer waiting on
// ota_finalize accepts one.
func (e *Engine) Verify(conID string, res VerifyResult) bool {
	r := e.route(conID, func(t *transfer) bool { return t.state == StateVerifying })
	if r == nil {
		return false
	}
	select {
	case r.verify <- res:
		return true
	default:
		return false
	}
}

func (e *Engine) route(conID string, accept func(*transfer) bool) *run {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conID != "" {
		if t, ok := e.transfers[conID]; ok && t.run != nil && accept(t) {
			return t.run
		}
		return nil
	}
	var found *run
	for _, t := range e.transfers {
		if t.run != nil && accept(t) {
			if found != nil {
				return nil
			}
			found = t.run
		}
	}
	return found
}

// Status reports the transfer for conID.
func (e *Engine) Status(conID string) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[conID]
	if !ok {
		return Status{}, ErrNoTransfer
	}
	return t.status(), nil
}

// Active counts non-terminal transfers.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.transfers {
		if !t.state.Terminal() {
			n++
		}
	}
	return n
}

// Stats reports chunk transmissions and retransmissions.
func (e *Engine) Stats() (chunks, retransmits uint64) {
	return e.chunksSent.Load(), e.retransmits.Load()
}

// Close halts every chunk loop and waits for them to exit. Transfers keep
// their state; the device is not told.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	for _, t := range e.transfers {
		if t.run != nil {
			t.run.halt()
			t.run = nil
		}
		e.stopExpiryLocked(t)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) notify(connID uint64, ev Event) {
	if connID == 0 {
		return
	}
	ev.Res = "ota"
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// A gone peer is a cleanup trigger, not a transfer error.
	_ = e.transport.SendClient(connID, data)
}

func (e *Engine) observe(conID string, connID uint64, state State, reason string) {
	fields := map[string]any{}
	if reason != "" {
		fields["reason"] = reason
	}
	e.observer.Observe(logging.Event{
		Kind:   logging.EventTransfer,
		ConnID: connID,
		ConID:  conID,
		Name:   string(state),
		Fields: fields,
	})
}
