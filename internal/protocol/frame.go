package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Commands accepted from client peers.
const (
	CmdInit      = "init"
	CmdEnd       = "end"
	CmdMemRead   = "mem_read"
	CmdMemWrite  = "mem_write"
	CmdSymbols   = "symbols"
	CmdOTAStart  = "ota_start"
	CmdOTACancel = "ota_cancel"
	CmdOTAResume = "ota_resume"
	CmdOTAStatus = "ota_status"
)

var knownCommands = map[string]bool{
	CmdInit: true, CmdEnd: true, CmdMemRead: true, CmdMemWrite: true, CmdSymbols: true,
	CmdOTAStart: true, CmdOTACancel: true, CmdOTAResume: true, CmdOTAStatus: true,
}

// Frame kinds sent by the device peer besides mem_read and mem_write.
const (
	KindHello    = "init"
	KindChunkAck = "ota_chunk_ack"
	KindVerify   = "ota_verify"
)

// Request is a client command. Fields other than cmd and con_id stay raw
// until the command's handler reads them.
type Request struct {
	Cmd    string
	ConID  string
	fields map[string]json.RawMessage
}

// Has reports whether the request carries field name.
func (r *Request) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// Text returns a required string field.
func (r *Request) Text(name string) (string, error) {
	s, ok, err := r.OptionalText(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", badRequest(name, fmt.Errorf("missing"))
	}
	return s, nil
}

// OptionalText returns a string field if present.
func (r *Request) OptionalText(name string) (string, bool, error) {
	raw, ok := r.fields[name]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, badRequest(name, fmt.Errorf("expected string"))
	}
	return s, true, nil
}

// Int returns an integer field given either as a JSON number or as a
// decimal or 0x-prefixed string.
func (r *Request) Int(name string) (int, bool, error) {
	raw, ok := r.fields[name]
	if !ok || isNull(raw) {
		return 0, false, nil
	}
	n, err := parseInt(raw)
	if err != nil {
		return 0, false, badRequest(name, err)
	}
	return n, true, nil
}

// Value returns a field decoded generically; numbers come back as
// json.Number so large integers keep their precision.
func (r *Request) Value(name string) (interface{}, bool, error) {
	raw, ok := r.fields[name]
	if !ok || isNull(raw) {
		return nil, false, nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, badRequest(name, err)
	}
	return v, true, nil
}

// DeviceMessage is a frame from the device peer. Kind comes from res,
// falling back to cmd.
type DeviceMessage struct {
	Kind       string
	ConID      string
	Add        string
	Value      interface{}
	State      string
	Error      string
	ChunkIndex *int
	Checksum   string
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeValue(raw json.RawMessage) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseInt(raw json.RawMessage) (int, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return 0, err
	}
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = strings.TrimSpace(x)
	default:
		return 0, fmt.Errorf("expected integer")
	}
	base := 10
	if rest, ok := cutHexPrefix(s); ok {
		s, base = rest, 16
	}
	n, err := strconv.ParseInt(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %q", s)
	}
	return int(n), nil
}

func cutHexPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "0X")
}

// textOf renders a string or number field as text; anything else is empty.
func textOf(raw json.RawMessage) string {
	v, err := decodeValue(raw)
	if err != nil {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	}
	return ""
}
