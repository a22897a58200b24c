package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/muurk/xcpgate/internal/memory"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/registry"
	"github.com/muurk/xcpgate/internal/session"
)

// Wire reasons carried by {"res":"error"} frames.
const (
	ReasonMalformedJSON       = "malformed_json"
	ReasonBadRequest          = "bad_request"
	ReasonUnknownCommand      = "unknown_command"
	ReasonSessionConflict     = "session_conflict"
	ReasonUnknownSession      = "unknown_session"
	ReasonUnknownImage        = "unknown_image"
	ReasonUnknownSymbol       = "unknown_symbol"
	ReasonTimeout             = "timeout"
	ReasonBusy                = "busy"
	ReasonDeviceUnavailable   = "device_unavailable"
	ReasonDeviceError         = "device_error"
	ReasonWriteFailed         = "write_failed"
	ReasonValueOutOfRange     = "value_out_of_range"
	ReasonSessionEnded        = "session_ended"
	ReasonAlreadyActive       = "already_active"
	ReasonNoResumableTransfer = "no_resumable_transfer"
	ReasonNoTransfer          = "no_transfer"
	ReasonInvalidImage        = "invalid_image"
	ReasonShuttingDown        = "shutting_down"
	ReasonInternal            = "internal_error"
)

// Error is a failure reported to a client. Field names the offending request
// field for bad_request; Context is copied into the error frame.
type Error struct {
	Reason  string
	Field   string
	Context map[string]interface{}
	Err     error
}

func (e *Error) Error() string {
	msg := e.Reason
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.Field)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func badRequest(field string, err error) *Error {
	return &Error{Reason: ReasonBadRequest, Field: field, Err: err}
}

// AsError maps any error produced while serving a command to its wire
// reason. The returned value is a fresh copy the caller may annotate.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		out := *pe
		out.Context = make(map[string]interface{}, len(pe.Context))
		for k, v := range pe.Context {
			out.Context[k] = v
		}
		return &out
	}

	out := &Error{Reason: ReasonInternal, Err: err, Context: map[string]interface{}{}}
	var devErr *memory.DeviceError
	switch {
	case errors.As(err, &devErr):
		out.Reason = ReasonDeviceError
		out.Context["message"] = devErr.Message
	case errors.Is(err, session.ErrSessionConflict):
		out.Reason = ReasonSessionConflict
	case errors.Is(err, session.ErrUnknownSession):
		out.Reason = ReasonUnknownSession
	case errors.Is(err, memory.ErrBusy):
		out.Reason = ReasonBusy
	case errors.Is(err, memory.ErrTimeout):
		out.Reason = ReasonTimeout
	case errors.Is(err, memory.ErrDeviceUnavailable),
		errors.Is(err, ota.ErrDeviceUnavailable),
		errors.Is(err, registry.ErrNoDevice):
		out.Reason = ReasonDeviceUnavailable
	case errors.Is(err, memory.ErrWriteFailed):
		out.Reason = ReasonWriteFailed
	case errors.Is(err, memory.ErrSessionEnded):
		out.Reason = ReasonSessionEnded
	case errors.Is(err, memory.ErrValueOutOfRange):
		out.Reason = ReasonValueOutOfRange
	case errors.Is(err, memory.ErrMalformedValue):
		out.Reason = ReasonBadRequest
		out.Field = "data"
	case errors.Is(err, ota.ErrAlreadyActive):
		out.Reason = ReasonAlreadyActive
	case errors.Is(err, ota.ErrNoResumableTransfer):
		out.Reason = ReasonNoResumableTransfer
	case errors.Is(err, ota.ErrNoTransfer):
		out.Reason = ReasonNoTransfer
	case errors.Is(err, ota.ErrInvalidImage):
		out.Reason = ReasonInvalidImage
	case errors.Is(err, ota.ErrEngineClosed), errors.Is(err, context.Canceled):
		out.Reason = ReasonShuttingDown
	}
	return out
}

// withContext maps err and attaches one context field.
func withContext(err error, key string, value interface{}) *Error {
	pe := AsError(err)
	pe.Context[key] = value
	return pe
}
