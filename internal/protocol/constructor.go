package protocol

import (
	"encoding/json"
	"strconv"

	"github.com/muurk/xcpgate/internal/memory"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/symbols"
)

// Response is an outbound client frame.
type Response map[string]interface{}

// NewResponse starts a frame with res and, when known, con_id.
func NewResponse(res, conID string) Response {
	r := Response{"res": res}
	if conID != "" {
		r["con_id"] = conID
	}
	return r
}

// Bytes encodes the frame.
func (r Response) Bytes() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Response{"res": "error", "reason": ReasonInternal})
	}
	return data
}

// ErrorResponse builds {"res":"error","reason":...} for err.
func ErrorResponse(err error, conID string) Response {
	pe := AsError(err)
	r := NewResponse("error", conID)
	for k, v := range pe.Context {
		r[k] = v
	}
	r["reason"] = pe.Reason
	if pe.Field != "" {
		r["field"] = pe.Field
	}
	return r
}

// InitResponse acknowledges a session. table may be nil.
func InitResponse(conID string, table *symbols.Table) Response {
	r := NewResponse(CmdInit, conID)
	r["symbols"] = 0
	if table != nil {
		r["symbols"] = table.Len()
		r["image"] = table.ImageID
	}
	return r
}

// ReadResponse reports a value as a decimal string.
func ReadResponse(conID string, addr, value uint64) Response {
	r := NewResponse(CmdMemRead, conID)
	r["add"] = memory.FormatAddress(addr)
	r["value"] = strconv.FormatUint(value, 10)
	return r
}

// WriteResponse reports a completed write.
func WriteResponse(conID string, addr uint64) Response {
	r := NewResponse(CmdMemWrite, conID)
	r["add"] = memory.FormatAddress(addr)
	r["state"] = "success"
	return r
}

// SymbolsResponse lists a session's symbol table. table may be nil.
func SymbolsResponse(conID string, table *symbols.Table) Response {
	r := NewResponse(CmdSymbols, conID)
	records := []symbols.SymbolRecord{}
	r["image"] = ""
	if table != nil {
		records = table.Records()
		r["image"] = table.ImageID
	}
	r["symbols"] = records
	return r
}

// TransferResponse reports an OTA transfer snapshot.
func TransferResponse(s ota.Status) Response {
	r := NewResponse("ota", s.ConID)
	r["state"] = string(s.State)
	r["size"] = s.Size
	r["chunk_size"] = s.ChunkSize
	r["total_chunks"] = s.TotalChunks
	r["acked"] = s.Acked
	r["checksum"] = s.Checksum
	if s.Reason != "" {
		r["reason"] = s.Reason
	}
	if s.Detached {
		r["detached"] = true
	}
	return r
}

// CancelResponse reports the outcome of ota_cancel.
func CancelResponse(s ota.Status) Response {
	r := NewResponse("ota", s.ConID)
	r["state"] = string(s.State)
	if s.Reason != "" {
		r["reason"] = s.Reason
	}
	return r
}
