package protocol

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/memory"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/registry"
	"github.com/muurk/xcpgate/internal/session"
	"github.com/muurk/xcpgate/internal/symbols"
	"go.uber.org/zap"
)

// Options wires an Engine.
type Options struct {
	Registry      *registry.Registry
	Catalog       *symbols.Catalog // nil: sessions use raw addresses only
	MemoryTimeout time.Duration
	OTA           ota.Config
	Observer      logging.Observer
}

// Stats is a snapshot for health reporting.
type Stats struct {
	Sessions        int          `json:"sessions"`
	ActiveTransfers int          `json:"active_transfers"`
	Memory          memory.Stats `json:"memory"`
}

// Engine turns client commands into session, memory and transfer
// operations and routes device replies back to them.
type Engine struct {
	registry *registry.Registry
	catalog  *symbols.Catalog
	sessions *session.Manager
	memory   *memory.Coordinator
	ota      *ota.Engine
	observer logging.Observer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine builds the engine and registers its connection cleanup with
// the registry.
func NewEngine(opts Options) *Engine {
	observer := opts.Observer
	if observer == nil {
		observer = logging.NopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: opts.Registry,
		catalog:  opts.Catalog,
		sessions: session.NewManager(),
		memory:   memory.New(opts.Registry, opts.MemoryTimeout, observer),
		ota:      ota.NewEngine(opts.OTA, transport{opts.Registry}, observer),
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
	}
	opts.Registry.OnClose(e.peerClosed)
	return e
}

// transport adapts the registry to the transfer engine.
type transport struct {
	reg *registry.Registry
}

func (t transport) SendDevice(frame []byte) error {
	return t.reg.SendDevice(frame)
}

func (t transport) SendClient(connID uint64, frame []byte) error {
	return t.reg.Send(registry.ID(connID), frame)
}

// HandleClient processes one frame from a client peer. Each command runs
// on its own goroutine; the reply is queued on the peer's writer.
func (e *Engine) HandleClient(id registry.ID, data []byte) {
	req, err := ParseRequest(data)
	if err != nil {
		conID := ""
		if req != nil {
			conID = req.ConID
		}
		e.observeError(id, conID, err)
		e.reply(id, ErrorResponse(err, conID))
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.reply(id, ErrorResponse(ota.ErrEngineClosed, req.ConID))
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.observer.Observe(logging.Event{
		Kind:   logging.EventCommand,
		ConnID: uint64(id),
		ConID:  req.ConID,
		Name:   req.Cmd,
	})

	go func() {
		defer e.wg.Done()
		resp, err := e.dispatch(e.ctx, uint64(id), req)
		if err != nil {
			e.observeError(id, req.ConID, err)
			resp = ErrorResponse(err, req.ConID)
		}
		if resp != nil {
			e.reply(id, resp)
		}
	}()
}

func (e *Engine) dispatch(ctx context.Context, connID uint64, req *Request) (Response, error) {
	switch req.Cmd {
	case CmdInit:
		return e.handleInit(connID, req)
	case CmdEnd:
		return e.handleEnd(connID, req)
	case CmdMemRead:
		return e.handleMemRead(ctx, connID, req)
	case CmdMemWrite:
		return e.handleMemWrite(ctx, connID, req)
	case CmdSymbols:
		return e.handleSymbols(connID, req)
	case CmdOTAStart:
		return e.handleOTAStart(connID, req)
	case CmdOTACancel:
		s, err := e.ota.Cancel(req.ConID)
		if err != nil {
			return nil, err
		}
		return CancelResponse(s), nil
	case CmdOTAResume:
		// The engine reports the resume point to the connection itself.
		_, err := e.ota.Resume(req.ConID, connID)
		return nil, err
	case CmdOTAStatus:
		s, err := e.ota.Status(req.ConID)
		if err != nil {
			return nil, err
		}
		return TransferResponse(s), nil
	default:
		return nil, &Error{Reason: ReasonUnknownCommand, Context: map[string]interface{}{"cmd": req.Cmd}}
	}
}

func (e *Engine) handleInit(connID uint64, req *Request) (Response, error) {
	ref, _, err := req.OptionalText("image")
	if err != nil {
		return nil, err
	}

	var table *symbols.Table
	switch {
	case ref != "":
		var ok bool
		if e.catalog != nil {
			table, ok = e.catalog.Get(ref)
		}
		if !ok {
			return nil, &Error{Reason: ReasonUnknownImage, Context: map[string]interface{}{"image": ref}}
		}
	case e.catalog != nil:
		table = e.catalog.Default()
	}

	s, err := e.sessions.Init(req.ConID, connID, table)
	if err != nil {
		return nil, err
	}
	return InitResponse(s.ConID, s.Table), nil
}

func (e *Engine) handleEnd(connID uint64, req *Request) (Response, error) {
	last, err := e.sessions.End(req.ConID, connID)
	if err != nil {
		return nil, err
	}
	e.memory.DropSession(req.ConID)
	if last {
		if s, ok := e.ota.CancelConnection(connID); ok {
			logging.Info("Cancelled transfer with last session",
				zap.Uint64("conn_id", connID),
				zap.String("con_id", s.ConID))
		}
	}
	return NewResponse(CmdEnd, req.ConID), nil
}

// target resolves add or sym to an address and access size in bits.
func (e *Engine) target(s session.Session, req *Request) (uint64, int, error) {
	var (
		addr     uint64
		implicit int
	)

	add, hasAdd, err := req.OptionalText("add")
	if err != nil {
		return 0, 0, err
	}
	sym, hasSym, err := req.OptionalText("sym")
	if err != nil {
		return 0, 0, err
	}

	switch {
	case hasAdd:
		addr, err = memory.ParseAddress(add)
		if err != nil {
			return 0, 0, badRequest("add", err)
		}
	case hasSym:
		var rec symbols.SymbolRecord
		ok := false
		if s.Table != nil {
			rec, ok = s.Table.Lookup(sym)
		}
		if !ok {
			return 0, 0, &Error{Reason: ReasonUnknownSymbol, Context: map[string]interface{}{"sym": sym}}
		}
		addr = rec.Address
		elemSize := rec.Size
		if rec.Elements > 1 {
			elemSize = rec.Size / rec.Elements
		}
		implicit = int(elemSize) * 8
	default:
		return 0, 0, badRequest("add", fmt.Errorf("missing"))
	}

	size, hasSize, err := req.Int("size")
	if err != nil {
		return 0, 0, err
	}
	if !hasSize {
		size = implicit
	}
	if !memory.ValidSize(size) {
		return 0, 0, badRequest("size", fmt.Errorf("unsupported size %d", size))
	}
	return addr, size, nil
}

func (e *Engine) handleMemRead(ctx context.Context, connID uint64, req *Request) (Response, error) {
	s, err := e.sessions.Lookup(req.ConID, connID)
	if err != nil {
		return nil, err
	}
	addr, size, err := e.target(s, req)
	if err != nil {
		return nil, err
	}

	v, err := e.memory.Read(ctx, req.ConID, addr, size)
	if err != nil {
		return nil, withContext(err, "add", memory.FormatAddress(addr))
	}
	return ReadResponse(req.ConID, addr, v), nil
}

func (e *Engine) handleMemWrite(ctx context.Context, connID uint64, req *Request) (Response, error) {
	s, err := e.sessions.Lookup(req.ConID, connID)
	if err != nil {
		return nil, err
	}
	addr, size, err := e.target(s, req)
	if err != nil {
		return nil, err
	}

	data, ok, err := req.Value("data")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, badRequest("data", fmt.Errorf("missing"))
	}
	value, err := memory.ParseWriteData(data, size)
	if err != nil {
		return nil, withContext(err, "add", memory.FormatAddress(addr))
	}

	if err := e.memory.Write(ctx, req.ConID, addr, size, value); err != nil {
		return nil, withContext(err, "add", memory.FormatAddress(addr))
	}
	return WriteResponse(req.ConID, addr), nil
}

func (e *Engine) handleSymbols(connID uint64, req *Request) (Response, error) {
	s, err := e.sessions.Lookup(req.ConID, connID)
	if err != nil {
		return nil, err
	}
	return SymbolsResponse(req.ConID, s.Table), nil
}

func (e *Engine) handleOTAStart(connID uint64, req *Request) (Response, error) {
	encoded, err := req.Text("data")
	if err != nil {
		return nil, err
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, badRequest("data", err)
	}
	chunkSize, _, err := req.Int("chunk_size")
	if err != nil {
		return nil, err
	}

	// The engine sends the started event before the first chunk.
	if _, err := e.ota.Start(req.ConID, connID, image, chunkSize); err != nil {
		return nil, err
	}
	return nil, nil
}

// HandleDevice routes one frame from the device peer.
func (e *Engine) HandleDevice(data []byte) {
	m, err := ParseDeviceMessage(data)
	if err != nil {
		e.discard("", "malformed", err)
		return
	}

	switch m.Kind {
	case KindHello:
		logging.Info("Device announced itself", zap.String("con_id", m.ConID))
	case CmdMemRead, CmdMemWrite:
		e.deliverMemory(m)
	case KindChunkAck:
		if m.ChunkIndex == nil {
			e.discard(m.ConID, m.Kind, fmt.Errorf("missing chunk_index"))
			return
		}
		if !e.ota.Ack(m.ConID, *m.ChunkIndex, !failed(m.State)) {
			e.discard(m.ConID, m.Kind, fmt.Errorf("no transfer awaiting chunk %d", *m.ChunkIndex))
		}
	case KindVerify:
		res := ota.VerifyResult{OK: !failed(m.State) && m.Error == ""}
		if m.Checksum != "" {
			sum, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(m.Checksum), "0x"), 16, 32)
			if err != nil {
				res.OK = false
			} else {
				res.Checksum, res.HasChecksum = uint32(sum), true
			}
		}
		if !e.ota.Verify(m.ConID, res) {
			e.discard(m.ConID, m.Kind, fmt.Errorf("no transfer verifying"))
		}
	default:
		e.discard(m.ConID, m.Kind, fmt.Errorf("unknown frame kind"))
	}
}

func failed(state string) bool {
	return state == "fail" || state == "failed" || state == "nack"
}

func (e *Engine) deliverMemory(m *DeviceMessage) {
	addr, err := memory.ParseAddress(m.Add)
	if err != nil {
		e.discard(m.ConID, m.Kind, fmt.Errorf("bad add: %w", err))
		return
	}

	reply := memory.Reply{ConID: m.ConID, Address: addr, Kind: memory.KindRead}
	if m.Kind == CmdMemWrite {
		reply.Kind = memory.KindWrite
	}

	switch {
	case m.Error != "":
		reply.Err = &memory.DeviceError{Message: m.Error}
	case reply.Kind == memory.KindRead:
		v, err := memory.ParseDeviceValue(m.Value)
		if err != nil {
			reply.Err = &memory.DeviceError{Message: fmt.Sprintf("unreadable value: %v", err)}
		}
		reply.Value = v
	default:
		reply.OK = m.State == "success" || m.State == "ok"
	}

	// The coordinator counts and reports replies nobody is waiting for.
	e.memory.Deliver(reply)
}

func (e *Engine) discard(conID, kind string, err error) {
	logging.Debug("Discarded device frame",
		zap.String("con_id", conID),
		zap.String("kind", kind),
		zap.Error(err))
	e.observer.Observe(logging.Event{
		Kind:   logging.EventDiscarded,
		ConID:  conID,
		Name:   kind,
		Fields: map[string]any{"error": err.Error()},
	})
}

// peerClosed releases everything a lost peer held.
func (e *Engine) peerClosed(p *registry.Peer) {
	if p.Role == registry.RoleDevice {
		lost := e.memory.FailAll(memory.ErrDeviceUnavailable)
		paused := e.ota.DeviceLost()
		if lost > 0 || paused > 0 {
			logging.Warn("Device lost",
				zap.Int("failed_accesses", lost),
				zap.Int("paused_transfers", paused))
		}
		return
	}

	conIDs := e.sessions.DropConnection(uint64(p.ID))
	for _, conID := range conIDs {
		e.memory.DropSession(conID)
	}
	detached := e.ota.Detach(uint64(p.ID))
	if len(conIDs) > 0 || detached > 0 {
		logging.Debug("Released connection state",
			zap.Uint64("conn_id", uint64(p.ID)),
			zap.Strings("sessions", conIDs),
			zap.Int("detached_transfers", detached))
	}
}

func (e *Engine) reply(id registry.ID, resp Response) {
	if err := e.registry.Send(id, resp.Bytes()); err != nil {
		logging.Debug("Reply not delivered",
			zap.Uint64("conn_id", uint64(id)),
			zap.Error(err))
	}
}

func (e *Engine) observeError(id registry.ID, conID string, err error) {
	pe := AsError(err)
	fields := map[string]any{"error": err.Error()}
	if pe.Field != "" {
		fields["field"] = pe.Field
	}
	e.observer.Observe(logging.Event{
		Kind:   logging.EventError,
		ConnID: uint64(id),
		ConID:  conID,
		Name:   pe.Reason,
		Fields: fields,
	})
}

// Stats reports table sizes.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:        e.sessions.Count(),
		ActiveTransfers: e.ota.Active(),
		Memory:          e.memory.Stats(),
	}
}

// Close stops accepting commands, cancels in-flight memory accesses and
// halts transfer loops.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.ota.Close()
}
