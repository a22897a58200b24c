package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/muurk/xcpgate/internal/memory"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/registry"
	"github.com/muurk/xcpgate/internal/session"
	"github.com/muurk/xcpgate/internal/symbols"
)

func decode(t *testing.T, r Response) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(r.Bytes(), &m); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	return m
}

func TestAsError(t *testing.T) {
	tests := []struct {
		err   error
		want  string
		field string
	}{
		{session.ErrSessionConflict, ReasonSessionConflict, ""},
		{session.ErrUnknownSession, ReasonUnknownSession, ""},
		{memory.ErrBusy, ReasonBusy, ""},
		{fmt.Errorf("read: %w", memory.ErrTimeout), ReasonTimeout, ""},
		{memory.ErrDeviceUnavailable, ReasonDeviceUnavailable, ""},
		{fmt.Errorf("%w: %v", ota.ErrDeviceUnavailable, registry.ErrNoDevice), ReasonDeviceUnavailable, ""},
		{memory.ErrWriteFailed, ReasonWriteFailed, ""},
		{memory.ErrValueOutOfRange, ReasonValueOutOfRange, ""},
		{memory.ErrMalformedValue, ReasonBadRequest, "data"},
		{ota.ErrAlreadyActive, ReasonAlreadyActive, ""},
		{ota.ErrNoResumableTransfer, ReasonNoResumableTransfer, ""},
		{ota.ErrNoTransfer, ReasonNoTransfer, ""},
		{ota.ErrInvalidImage, ReasonInvalidImage, ""},
		{badRequest("size", errors.New("bad")), ReasonBadRequest, "size"},
		{errors.New("boom"), ReasonInternal, ""},
	}
	for _, tt := range tests {
		got := AsError(tt.err)
		if got.Reason != tt.want || got.Field != tt.field {
			t.Errorf("AsError(%v) = %s/%s, want %s/%s", tt.err, got.Reason, got.Field, tt.want, tt.field)
		}
	}
}

func TestAsErrorCopies(t *testing.T) {
	orig := &Error{Reason: ReasonUnknownSymbol, Context: map[string]interface{}{"sym": "x"}}
	withContext(orig, "add", "0x1")
	if _, ok := orig.Context["add"]; ok {
		t.Error("withContext modified the original error")
	}
}

func TestErrorResponse(t *testing.T) {
	m := decode(t, ErrorResponse(withContext(memory.ErrTimeout, "add", "0x20000100"), "01"))
	want := map[string]interface{}{"res": "error", "con_id": "01", "reason": "timeout", "add": "0x20000100"}
	for k, v := range want {
		if m[k] != v {
			t.Errorf("%s = %v, want %v", k, m[k], v)
		}
	}

	m = decode(t, ErrorResponse(&memory.DeviceError{Message: "bus fault"}, ""))
	if _, ok := m["con_id"]; ok {
		t.Error("con_id present without request con_id")
	}
	if m["reason"] != ReasonDeviceError || m["message"] != "bus fault" {
		t.Errorf("device error response = %v", m)
	}

	m = decode(t, ErrorResponse(badRequest("size", errors.New("bad")), "01"))
	if m["field"] != "size" {
		t.Errorf("field = %v", m["field"])
	}
}

func TestResultResponses(t *testing.T) {
	m := decode(t, ReadResponse("01", 0x20000100, 42))
	if m["res"] != "mem_read" || m["add"] != "0x20000100" || m["value"] != "42" {
		t.Errorf("ReadResponse = %v", m)
	}

	m = decode(t, ReadResponse("01", 0x10, 1<<64-1))
	if m["value"] != "18446744073709551615" {
		t.Errorf("large value = %v", m["value"])
	}

	m = decode(t, WriteResponse("01", 0x10))
	if m["state"] != "success" || m["add"] != "0x00000010" {
		t.Errorf("WriteResponse = %v", m)
	}

	table := symbols.NewTable("abc123", "fw", time.Now(), []symbols.SymbolRecord{
		{Name: "counter", Address: 0x20000100, Size: 4, Type: "uint32_t", Elements: 1, Scope: symbols.ScopeGlobal},
	})
	m = decode(t, InitResponse("01", table))
	if m["symbols"] != float64(1) || m["image"] != "abc123" {
		t.Errorf("InitResponse = %v", m)
	}
	m = decode(t, InitResponse("01", nil))
	if m["symbols"] != float64(0) {
		t.Errorf("InitResponse(nil) = %v", m)
	}

	m = decode(t, SymbolsResponse("01", table))
	list, ok := m["symbols"].([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("SymbolsResponse = %v", m)
	}
	if rec := list[0].(map[string]interface{}); rec["name"] != "counter" || rec["scope"] != "global" {
		t.Errorf("symbol = %v", rec)
	}
	m = decode(t, SymbolsResponse("01", nil))
	if list, ok := m["symbols"].([]interface{}); !ok || len(list) != 0 {
		t.Errorf("SymbolsResponse(nil) = %v", m)
	}
}

func TestTransferResponses(t *testing.T) {
	s := ota.Status{ConID: "01", State: ota.StateFailed, Reason: ota.ReasonChecksumMismatch, TotalChunks: 10, Acked: 10, Checksum: "0x00000001"}
	m := decode(t, TransferResponse(s))
	if m["res"] != "ota" || m["state"] != "failed" || m["reason"] != "checksum_mismatch" || m["acked"] != float64(10) {
		t.Errorf("TransferResponse = %v", m)
	}
	m = decode(t, CancelResponse(ota.Status{ConID: "01", State: ota.StateCancelled}))
	if m["state"] != "cancelled" || m["con_id"] != "01" {
		t.Errorf("CancelResponse = %v", m)
	}
}
