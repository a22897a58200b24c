package devicesim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/logging"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// Name identifies the simulator in its hello frame.
const Name = "devicesim"

// Serve dials the gateway's device endpoint and answers its commands until
// ctx is cancelled or the connection drops.
func (d *Device) Serve(ctx context.Context, url string, dialer *websocket.Dialer) error {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()

	logging.Info("Simulated device connected", zap.String("url", url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()

	hello := fmt.Sprintf(`{"cmd":"init","con_id":%q}`, Name)
	if err := send(conn, []byte(hello)); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				logging.Info("Gateway closed the device link", zap.Int("code", ce.Code))
				return nil
			}
			return fmt.Errorf("device link: %w", err)
		}
		logging.LogFrame(0, "rx", data)
		if reply := d.Handle(data); reply != nil {
			if err := send(conn, reply); err != nil {
				return err
			}
		}
	}
}

// ServeRetry runs Serve, reconnecting after interval until ctx ends.
func (d *Device) ServeRetry(ctx context.Context, url string, dialer *websocket.Dialer, interval time.Duration) error {
	for {
		err := d.Serve(ctx, url, dialer)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logging.Warn("Device link lost, reconnecting",
				zap.Error(err),
				zap.Duration("interval", interval))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// send writes from the read goroutine only, so no lock is needed.
func send(conn *websocket.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
