package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ParseRequest decodes a client frame. When the frame is valid JSON but
// fails validation, the partially decoded request is returned with the
// error so the reply can still carry its con_id.
func ParseRequest(data []byte) (*Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = errors.New("not a JSON object")
		}
		return nil, &Error{Reason: ReasonMalformedJSON, Err: err}
	}

	req := &Request{fields: fields}
	conID, hasConID, conErr := req.OptionalText("con_id")
	req.ConID = conID

	cmd, err := req.Text("cmd")
	if err != nil {
		return req, err
	}
	req.Cmd = cmd
	if !knownCommands[cmd] {
		return req, &Error{Reason: ReasonUnknownCommand, Context: map[string]interface{}{"cmd": cmd}}
	}

	if conErr != nil {
		return req, conErr
	}
	if !hasConID || conID == "" {
		return req, badRequest("con_id", fmt.Errorf("missing"))
	}
	return req, nil
}

// ParseDeviceMessage decodes a frame from the device peer.
func ParseDeviceMessage(data []byte) (*DeviceMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed device frame: %w", err)
	}

	m := &DeviceMessage{
		Kind:     textOf(fields["res"]),
		ConID:    textOf(fields["con_id"]),
		Add:      textOf(fields["add"]),
		State:    textOf(fields["state"]),
		Error:    textOf(fields["error"]),
		Checksum: textOf(fields["checksum"]),
	}
	if m.Kind == "" {
		m.Kind = textOf(fields["cmd"])
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("device frame has neither res nor cmd")
	}

	if raw, ok := fields["value"]; ok && !isNull(raw) {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("device value: %w", err)
		}
		m.Value = v
	}
	if raw, ok := fields["chunk_index"]; ok && !isNull(raw) {
		idx, err := parseInt(raw)
		if err != nil {
			return nil, fmt.Errorf("chunk_index: %w", err)
		}
		m.ChunkIndex = &idx
	}
	return m, nil
}
