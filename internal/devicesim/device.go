package devicesim

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
	"sync"

	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/memory"
	"github.com/muurk/xcpgate/internal/ota"
	"go.uber.org/zap"
)

// Options tune the simulated target.
type Options struct {
	// RejectChunk makes the receiver nack a chunk index once per transfer.
	RejectChunk func(index int) bool
	// CorruptImage makes finalize report a checksum that does not match.
	CorruptImage bool
}

// Device is a simulated target: a sparse RAM map plus an OTA receiver.
type Device struct {
	opts Options

	mu        sync.Mutex
	ram       map[uint64]uint64
	protected map[uint64]bool
	faults    map[uint64]string
	rx        *receiver
	firmware  []byte
	stats     Stats
}

// Stats counts handled frames.
type Stats struct {
	Reads    int `json:"reads"`
	Writes   int `json:"writes"`
	Chunks   int `json:"chunks"`
	Nacks    int `json:"nacks"`
	Images   int `json:"images"`
	Aborts   int `json:"aborts"`
	Unknown  int `json:"unknown"`
	Rejected int `json:"rejected"`
}

type receiver struct {
	conID     string
	size      int
	chunkSize int
	total     int
	checksum  string
	buf       []byte
	received  map[int]bool
	rejected  map[int]bool
}

// deviceFrame is the union of gateway-to-device commands.
type deviceFrame struct {
	Cmd         string      `json:"cmd"`
	ConID       string      `json:"con_id"`
	Add         string      `json:"add"`
	Size        int         `json:"size"`
	Data        interface{} `json:"data"`
	ChunkSize   int         `json:"chunk_size"`
	TotalChunks int         `json:"total_chunks"`
	ChunkIndex  int         `json:"chunk_index"`
	Checksum    string      `json:"checksum"`
	CRC         string      `json:"crc"`
	ResumeFrom  int         `json:"resume_from"`
}

// New creates an empty device.
func New(opts Options) *Device {
	return &Device{
		opts:      opts,
		ram:       make(map[uint64]uint64),
		protected: make(map[uint64]bool),
		faults:    make(map[uint64]string),
	}
}

// Set stores a value at addr.
func (d *Device) Set(addr, value uint64) {
	d.mu.Lock()
	d.ram[addr] = value
	d.mu.Unlock()
}

// Get returns the value at addr. Unwritten addresses read as zero.
func (d *Device) Get(addr uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.ram[addr]
	return v, ok
}

// Protect makes writes to addr fail.
func (d *Device) Protect(addr uint64) {
	d.mu.Lock()
	d.protected[addr] = true
	d.mu.Unlock()
}

// Fault makes every access to addr report message as a device error.
func (d *Device) Fault(addr uint64, message string) {
	d.mu.Lock()
	d.faults[addr] = message
	d.mu.Unlock()
}

// Firmware returns the last image that passed verification.
func (d *Device) Firmware() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.firmware...)
}

// Stats returns frame counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Handle processes one frame from the gateway and returns the reply, or nil
// when the command has none.
func (d *Device) Handle(data []byte) []byte {
	var f deviceFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		logging.Debug("Simulator ignoring malformed frame", zap.Error(err))
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var reply map[string]interface{}
	switch f.Cmd {
	case "mem_read":
		reply = d.read(f)
	case "mem_write":
		reply = d.write(f)
	case "ota_begin":
		d.begin(f)
	case "ota_chunk":
		reply = d.chunk(f)
	case "ota_finalize":
		reply = d.finalize(f)
	case "ota_abort":
		d.stats.Aborts++
		if d.rx != nil && d.rx.conID == f.ConID {
			d.rx = nil
		}
	default:
		d.stats.Unknown++
		logging.Debug("Simulator ignoring unknown command", zap.String("cmd", f.Cmd))
	}
	if reply == nil {
		return nil
	}
	out, err := json.Marshal(reply)
	if err != nil {
		return nil
	}
	return out
}

func (d *Device) read(f deviceFrame) map[string]interface{} {
	d.stats.Reads++
	reply := map[string]interface{}{"res": "mem_read", "con_id": f.ConID, "add": f.Add}
	addr, err := memory.ParseAddress(f.Add)
	if err != nil || !memory.ValidSize(f.Size) {
		reply["error"] = fmt.Sprintf("bad access %s/%d", f.Add, f.Size)
		return reply
	}
	if msg, ok := d.faults[addr]; ok {
		reply["error"] = msg
		return reply
	}
	reply["value"] = memory.FormatBinary(d.ram[addr], f.Size)
	return reply
}

func (d *Device) write(f deviceFrame) map[string]interface{} {
	d.stats.Writes++
	reply := map[string]interface{}{"res": "mem_write", "con_id": f.ConID, "add": f.Add, "state": "success"}
	addr, err := memory.ParseAddress(f.Add)
	if err != nil || !memory.ValidSize(f.Size) {
		reply["error"] = fmt.Sprintf("bad access %s/%d", f.Add, f.Size)
		return reply
	}
	if msg, ok := d.faults[addr]; ok {
		reply["error"] = msg
		return reply
	}
	if d.protected[addr] {
		d.stats.Rejected++
		reply["state"] = "fail"
		return reply
	}
	value, err := memory.ParseWriteData(f.Data, f.Size)
	if err != nil {
		reply["state"] = "fail"
		return reply
	}
	mask := memory.Mask(f.Size)
	d.ram[addr] = d.ram[addr]&^mask | value
	return reply
}

func (d *Device) begin(f deviceFrame) {
	if f.ResumeFrom > 0 && d.rx != nil && d.rx.conID == f.ConID && d.rx.checksum == f.Checksum {
		logging.Debug("Simulator resuming transfer",
			zap.String("con_id", f.ConID),
			zap.Int("resume_from", f.ResumeFrom))
		return
	}
	if f.Size <= 0 || f.ChunkSize <= 0 {
		d.rx = nil
		return
	}
	d.rx = &receiver{
		conID:     f.ConID,
		size:      f.Size,
		chunkSize: f.ChunkSize,
		total:     f.TotalChunks,
		checksum:  f.Checksum,
		buf:       make([]byte, f.Size),
		received:  make(map[int]bool),
		rejected:  make(map[int]bool),
	}
}

func (d *Device) chunk(f deviceFrame) map[string]interface{} {
	d.stats.Chunks++
	reply := map[string]interface{}{"res": "ota_chunk_ack", "con_id": f.ConID, "chunk_index": f.ChunkIndex, "state": "ok"}
	nack := func() map[string]interface{} {
		d.stats.Nacks++
		reply["state"] = "nack"
		return reply
	}

	rx := d.rx
	if rx == nil || rx.conID != f.ConID || f.ChunkIndex < 0 || f.ChunkIndex >= rx.total {
		return nack()
	}
	if d.opts.RejectChunk != nil && !rx.rejected[f.ChunkIndex] && d.opts.RejectChunk(f.ChunkIndex) {
		rx.rejected[f.ChunkIndex] = true
		return nack()
	}
	payload, err := base64.StdEncoding.DecodeString(dataString(f.Data))
	if err != nil || ota.FormatChecksum(crc32.ChecksumIEEE(payload)) != strings.ToLower(f.CRC) {
		return nack()
	}
	off := f.ChunkIndex * rx.chunkSize
	if off+len(payload) > len(rx.buf) {
		return nack()
	}
	copy(rx.buf[off:], payload)
	rx.received[f.ChunkIndex] = true
	return reply
}

func (d *Device) finalize(f deviceFrame) map[string]interface{} {
	reply := map[string]interface{}{"res": "ota_verify", "con_id": f.ConID}
	rx := d.rx
	if rx == nil || rx.conID != f.ConID {
		reply["state"] = "fail"
		reply["error"] = "no transfer in progress"
		return reply
	}
	if len(rx.received) != rx.total {
		reply["state"] = "fail"
		reply["error"] = "missing chunks: " + strconv.Itoa(rx.total-len(rx.received))
		return reply
	}

	sum := crc32.ChecksumIEEE(rx.buf)
	if d.opts.CorruptImage {
		sum = ^sum
	}
	reply["checksum"] = ota.FormatChecksum(sum)
	reply["state"] = "ok"
	if reply["checksum"] == strings.ToLower(rx.checksum) {
		d.firmware = rx.buf
		d.stats.Images++
	}
	d.rx = nil
	return reply
}

func dataString(v interface{}) string {
	s, _ := v.(string)
	return s
}
