package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muurk/xcpgate/internal/logging"
)

// fakeDevice records device frames and optionally answers them.
type fakeDevice struct {
	mu     sync.Mutex
	frames []deviceFrame
	sent   chan deviceFrame
	err    error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{sent: make(chan deviceFrame, 64)}
}

func (d *fakeDevice) SendDevice(frame []byte) error {
	if d.err != nil {
		return d.err
	}
	var f deviceFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return err
	}
	d.mu.Lock()
	d.frames = append(d.frames, f)
	d.mu.Unlock()
	d.sent <- f
	return nil
}

func (d *fakeDevice) next(t *testing.T) deviceFrame {
	t.Helper()
	select {
	case f := <-d.sent:
		return f
	case <-time.After(2 * time.Second):
		t.Error("no frame sent to device")
		return deviceFrame{}
	}
}

func TestReadRoundTrip(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, time.Second, nil)

	go func() {
		f := dev.next(t)
		addr, _ := ParseAddress(f.Add)
		c.Deliver(Reply{ConID: f.ConID, Address: addr, Kind: KindRead, Value: 42})
	}()

	v, err := c.Read(context.Background(), "01", 0x20000100, 32)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Read() = %d, want 42", v)
	}

	dev.mu.Lock()
	f := dev.frames[0]
	dev.mu.Unlock()
	if f.Cmd != "mem_read" || f.ConID != "01" || f.Add != "0x20000100" || f.Size != 32 {
		t.Errorf("device frame = %+v", f)
	}
	if s := c.Stats(); s.Pending != 0 || s.Completed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestWriteFrameAndStatus(t *testing.T) {
	tests := []struct {
		name    string
		ok      bool
		wantErr error
	}{
		{"success", true, nil},
		{"rejected", false, ErrWriteFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			c := New(dev, time.Second, nil)

			go func() {
				f := dev.next(t)
				addr, _ := ParseAddress(f.Add)
				c.Deliver(Reply{ConID: f.ConID, Address: addr, Kind: KindWrite, OK: tt.ok})
			}()

			err := c.Write(context.Background(), "01", 0x20000104, 8, 5)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Write() error = %v, want %v", err, tt.wantErr)
			}
			dev.mu.Lock()
			data := dev.frames[0].Data
			dev.mu.Unlock()
			if data != "0b00000101" {
				t.Errorf("write data = %q, want 0b00000101", data)
			}
		})
	}
}

func TestBusyUntilFirstCompletes(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, time.Second, nil)

	first := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), "01", 0x100, 16)
		first <- err
	}()
	dev.next(t)

	if _, err := c.Read(context.Background(), "01", 0x100, 16); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Read() error = %v, want ErrBusy", err)
	}

	// A write to the same address from the same con_id is serialized too.
	if err := c.Write(context.Background(), "01", 0x100, 16, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent Write() error = %v, want ErrBusy", err)
	}
	if s := c.Stats(); s.Pending != 1 {
		t.Fatalf("Pending = %d, want 1", s.Pending)
	}

	// Another con_id on the same address is independent.
	go c.Read(context.Background(), "02", 0x100, 16)
	dev.next(t)

	c.Deliver(Reply{ConID: "01", Address: 0x100, Kind: KindRead, Value: 7})
	if err := <-first; err != nil {
		t.Fatalf("first Read() error = %v", err)
	}

	// The key is free once the first access completed.
	go func() {
		dev.next(t)
		c.Deliver(Reply{ConID: "01", Address: 0x100, Kind: KindRead, Value: 8})
	}()
	if v, err := c.Read(context.Background(), "01", 0x100, 16); err != nil || v != 8 {
		t.Errorf("third Read() = %d, %v", v, err)
	}
	c.FailAll(ErrDeviceUnavailable)
}

func TestTimeoutRemovesPending(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 50*time.Millisecond, nil)

	_, err := c.Read(context.Background(), "01", 0x200, 32)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}
	if s := c.Stats(); s.Pending != 0 || s.Timeouts != 1 {
		t.Errorf("Stats() = %+v", s)
	}

	// A late reply is discarded.
	if c.Deliver(Reply{ConID: "01", Address: 0x200, Kind: KindRead, Value: 1}) {
		t.Error("late reply should not be delivered")
	}
	if s := c.Stats(); s.Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", s.Discarded)
	}
}

func TestDeliverWithoutConID(t *testing.T) {
	dev := newFakeDevice()
	rec := &logging.Recorder{}
	c := New(dev, time.Second, rec)

	res := make(chan uint64, 1)
	go func() {
		v, _ := c.Read(context.Background(), "01", 0x300, 8)
		res <- v
	}()
	dev.next(t)

	if !c.Deliver(Reply{Address: 0x300, Kind: KindRead, Value: 9}) {
		t.Fatal("unique reply without con_id should be delivered")
	}
	if v := <-res; v != 9 {
		t.Errorf("Read() = %d, want 9", v)
	}

	// Two candidates: ambiguous, dropped.
	done := make(chan struct{}, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			c.Read(context.Background(), id, 0x400, 8)
			done <- struct{}{}
		}(id)
	}
	dev.next(t)
	dev.next(t)
	if c.Deliver(Reply{Address: 0x400, Kind: KindRead, Value: 1}) {
		t.Error("ambiguous reply should be discarded")
	}
	if rec.Count(logging.EventDiscarded) != 1 {
		t.Errorf("discarded events = %d, want 1", rec.Count(logging.EventDiscarded))
	}
	c.FailAll(ErrDeviceUnavailable)
	<-done
	<-done
}

func TestFailAllAndDropSession(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 5*time.Second, nil)

	errs := make(chan error, 2)
	go func() {
		_, err := c.Read(context.Background(), "01", 0x10, 8)
		errs <- err
	}()
	go func() {
		_, err := c.Read(context.Background(), "02", 0x10, 8)
		errs <- err
	}()
	dev.next(t)
	dev.next(t)

	if n := c.DropSession("01"); n != 1 {
		t.Errorf("DropSession() = %d, want 1", n)
	}
	if err := <-errs; !errors.Is(err, ErrSessionEnded) {
		t.Errorf("dropped access error = %v, want ErrSessionEnded", err)
	}

	if n := c.FailAll(ErrDeviceUnavailable); n != 1 {
		t.Errorf("FailAll() = %d, want 1", n)
	}
	if err := <-errs; !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("failed access error = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSendFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.err = errors.New("no device connected")
	c := New(dev, time.Second, nil)

	if _, err := c.Read(context.Background(), "01", 0x10, 8); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Read() error = %v, want ErrDeviceUnavailable", err)
	}
	if c.Stats().Pending != 0 {
		t.Error("failed send must not leave a pending access")
	}
}

func TestDeviceErrorReply(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, time.Second, nil)

	go func() {
		dev.next(t)
		c.Deliver(Reply{ConID: "01", Address: 0x10, Kind: KindRead, Err: &DeviceError{Message: "bus fault"}})
	}()
	_, err := c.Read(context.Background(), "01", 0x10, 8)
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Message != "bus fault" {
		t.Errorf("Read() error = %v, want DeviceError", err)
	}
}

func TestContextCancel(t *testing.T) {
	dev := newFakeDevice()
	c := New(dev, 5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		dev.next(t)
		cancel()
	}()
	if _, err := c.Read(ctx, "01", 0x10, 8); !errors.Is(err, context.Canceled) {
		t.Errorf("Read() error = %v, want context.Canceled", err)
	}
}
