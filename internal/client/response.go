package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/muurk/xcpgate/internal/symbols"
)

// Response is a decoded gateway frame. Numbers decode as json.Number.
type Response map[string]interface{}

// String returns key as text, or "" when absent.
func (r Response) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns key as an integer, or -1 when absent or not a number.
func (r Response) Int(key string) int {
	n, err := strconv.Atoi(r.String(key))
	if err != nil {
		return -1
	}
	return n
}

// Res is the frame kind.
func (r Response) Res() string { return r.String("res") }

// ConID is the frame's session identifier.
func (r Response) ConID() string { return r.String("con_id") }

// State is the ota or write state.
func (r Response) State() string { return r.String("state") }

// Err converts an error frame into a *RemoteError.
func (r Response) Err() error {
	e := &RemoteError{Reason: r.String("reason"), Field: r.String("field"), Context: map[string]string{}}
	for k := range r {
		switch k {
		case "res", "con_id", "reason", "field":
		default:
			e.Context[k] = r.String(k)
		}
	}
	return e
}

func (r Response) symbols() ([]symbols.SymbolRecord, error) {
	raw, err := json.Marshal(r["symbols"])
	if err != nil {
		return nil, err
	}
	var list []symbols.SymbolRecord
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("malformed symbols reply: %w", err)
	}
	return list, nil
}

// RemoteError is a {"res":"error"} frame returned by the gateway.
type RemoteError struct {
	Reason  string
	Field   string
	Context map[string]string
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason)
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, e.Context[k])
	}
	return b.String()
}

// RemoteReason returns the wire reason for troubleshooting lookups.
func (e *RemoteError) RemoteReason() string {
	return e.Reason
}
