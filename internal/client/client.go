package client

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/symbols"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single command round trip.
const DefaultTimeout = 10 * time.Second

// ErrClosed is returned once the connection to the gateway is gone.
var ErrClosed = errors.New("connection to gateway closed")

// Options configure a Client.
type Options struct {
	ConID    string
	Timeout  time.Duration
	Insecure bool // skip certificate verification for wss
	// OnEvent receives frames that do not answer the command in flight.
	OnEvent func(Response)
}

// Client is an operator connection to a gateway. Commands are issued one at
// a time; Client is not safe for concurrent use.
type Client struct {
	conn    *websocket.Conn
	conID   string
	timeout time.Duration
	onEvent func(Response)

	in      chan Response
	errMu   sync.Mutex
	readErr error
}

// Dial connects to the gateway's client endpoint.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer := *websocket.DefaultDialer
	if opts.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ConID == "" {
		opts.ConID = "01"
	}

	c := &Client{
		conn:    conn,
		conID:   opts.ConID,
		timeout: opts.Timeout,
		onEvent: opts.OnEvent,
		in:      make(chan Response, 64),
	}
	go c.readLoop()
	logging.Debug("Connected to gateway", zap.String("url", url), zap.String("con_id", c.conID))
	return c, nil
}

// ConID is the session identifier used for every command.
func (c *Client) ConID() string {
	return c.conID
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.in)
	for {
		r, err := c.readFrame()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		c.in <- r
	}
}

func (c *Client) readFrame() (Response, error) {
	_, reader, err := c.conn.NextReader()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(reader)
	dec.UseNumber()
	var r Response
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

// Do sends req and returns the first frame for which match reports true.
// Error frames carrying this client's con_id (or none) end the wait.
func (c *Client) Do(ctx context.Context, req map[string]interface{}, match func(Response) bool) (Response, error) {
	if _, ok := req["con_id"]; !ok {
		req["con_id"] = c.conID
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}
	if err := c.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send %v: %w", req["cmd"], err)
	}
	return c.await(ctx, match)
}

func (c *Client) await(ctx context.Context, match func(Response) bool) (Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-c.in:
			if !ok {
				return nil, c.closedErr()
			}
			if r.Res() == "error" && (r.ConID() == "" || r.ConID() == c.conID) {
				return nil, r.Err()
			}
			if match(r) {
				return r, nil
			}
			if c.onEvent != nil {
				c.onEvent(r)
			}
		}
	}
}

func (c *Client) call(ctx context.Context, cmd string, req map[string]interface{}) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if req == nil {
		req = map[string]interface{}{}
	}
	req["cmd"] = cmd
	return c.Do(ctx, req, func(r Response) bool {
		return r.Res() == cmd && r.ConID() == c.conID
	})
}

// Init opens the session, optionally bound to a symbol image.
func (c *Client) Init(ctx context.Context, image string) (Response, error) {
	req := map[string]interface{}{}
	if image != "" {
		req["image"] = image
	}
	return c.call(ctx, "init", req)
}

// End closes the session.
func (c *Client) End(ctx context.Context) error {
	_, err := c.call(ctx, "end", nil)
	return err
}

// Target addresses memory either by hex address or by symbol name.
type Target struct {
	Add string
	Sym string
}

func (t Target) fields(req map[string]interface{}) {
	if t.Sym != "" {
		req["sym"] = t.Sym
	} else {
		req["add"] = t.Add
	}
}

func (t Target) String() string {
	if t.Sym != "" {
		return t.Sym
	}
	return t.Add
}

// Read reads size bits. A zero size lets the gateway use the symbol width.
func (c *Client) Read(ctx context.Context, t Target, size int) (Response, error) {
	req := map[string]interface{}{}
	t.fields(req)
	if size > 0 {
		req["size"] = size
	}
	return c.call(ctx, "mem_read", req)
}

// Write stores data (a 0b literal or a decimal) in size bits.
func (c *Client) Write(ctx context.Context, t Target, size int, data string) (Response, error) {
	req := map[string]interface{}{"data": data}
	t.fields(req)
	if size > 0 {
		req["size"] = size
	}
	return c.call(ctx, "mem_write", req)
}

// Symbols lists the session's symbol table sorted by name.
func (c *Client) Symbols(ctx context.Context) (string, []symbols.SymbolRecord, error) {
	r, err := c.call(ctx, "symbols", nil)
	if err != nil {
		return "", nil, err
	}
	list, err := r.symbols()
	if err != nil {
		return "", nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return r.String("image"), list, nil
}

// OTAStart pushes image and blocks until the transfer reaches a terminal
// state or pauses. progress receives every intermediate event.
func (c *Client) OTAStart(ctx context.Context, image []byte, chunkSize int, progress func(Response)) (Response, error) {
	req := map[string]interface{}{
		"cmd":  "ota_start",
		"data": base64.StdEncoding.EncodeToString(image),
	}
	if chunkSize > 0 {
		req["chunk_size"] = chunkSize
	}
	return c.follow(ctx, req, progress)
}

// OTAResume continues a detached transfer and follows it to the end.
func (c *Client) OTAResume(ctx context.Context, progress func(Response)) (Response, error) {
	return c.follow(ctx, map[string]interface{}{"cmd": "ota_resume"}, progress)
}

func (c *Client) follow(ctx context.Context, req map[string]interface{}, progress func(Response)) (Response, error) {
	return c.Do(ctx, req, func(r Response) bool {
		if r.Res() != "ota" || r.ConID() != c.conID {
			return false
		}
		if Terminal(r.State()) || r.State() == "paused" {
			return true
		}
		if progress != nil {
			progress(r)
		}
		return false
	})
}

// OTACancel cancels the transfer. The reply carries the final state.
func (c *Client) OTACancel(ctx context.Context) (Response, error) {
	return c.otaCall(ctx, "ota_cancel")
}

// OTAStatus reports the transfer.
func (c *Client) OTAStatus(ctx context.Context) (Response, error) {
	return c.otaCall(ctx, "ota_status")
}

func (c *Client) otaCall(ctx context.Context, cmd string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.Do(ctx, map[string]interface{}{"cmd": cmd}, func(r Response) bool {
		return r.Res() == "ota" && r.ConID() == c.conID && r.State() != "progress"
	})
}

// Terminal reports whether an ota state ends a transfer.
func Terminal(state string) bool {
	switch strings.ToLower(state) {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
