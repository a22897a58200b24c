package registry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed int
	block  chan struct{}
	fail   error
	wrote  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{wrote: make(chan struct{}, 1024)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, data)
	c.wrote <- struct{}{}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitWrites(t *testing.T, c *fakeConn, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.wrote:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for write %d of %d", i+1, n)
		}
	}
}

func TestRegisterAssignsIncreasingIDs(t *testing.T) {
	r := New(0)
	defer r.Close()

	a := r.Register(newFakeConn(), RoleClient, "a")
	b := r.Register(newFakeConn(), RoleClient, "b")
	if b <= a {
		t.Errorf("ids not increasing: %d then %d", a, b)
	}
	r.Unregister(a)
	c := r.Register(newFakeConn(), RoleClient, "c")
	if c == a || c <= b {
		t.Errorf("id %d reused or out of order", c)
	}
}

func TestSendOrdering(t *testing.T) {
	r := New(0)
	defer r.Close()

	conn := newFakeConn()
	id := r.Register(conn, RoleClient, "test")
	for _, f := range []string{"one", "two", "three"} {
		if err := r.Send(id, []byte(f)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	waitWrites(t, conn, 3)

	got := conn.Frames()
	want := []string{"one", "two", "three"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}

	sent, dropped := r.Stats()
	if sent != 3 || dropped != 0 {
		t.Errorf("Stats() = %d, %d, want 3, 0", sent, dropped)
	}
}

func TestSendErrors(t *testing.T) {
	r := New(2)
	defer r.Close()

	if err := r.Send(99, []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send(unknown) error = %v, want ErrConnectionClosed", err)
	}

	// A stalled transport fills the queue.
	conn := newFakeConn()
	conn.block = make(chan struct{})
	defer close(conn.block)
	id := r.Register(conn, RoleClient, "slow")

	var full error
	for i := 0; i < 10 && full == nil; i++ {
		full = r.Send(id, []byte("x"))
	}
	if !errors.Is(full, ErrConnectionClosed) {
		t.Errorf("full queue error = %v, want ErrConnectionClosed", full)
	}
	if _, dropped := r.Stats(); dropped == 0 {
		t.Error("dropped counter should count the rejected frame")
	}
}

func TestSendDevice(t *testing.T) {
	r := New(0)
	defer r.Close()

	if err := r.SendDevice([]byte("x")); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("SendDevice() without device error = %v, want ErrNoDevice", err)
	}

	first := newFakeConn()
	firstID := r.Register(first, RoleDevice, "dev1")
	if !r.DeviceConnected() {
		t.Fatal("DeviceConnected() = false after register")
	}

	second := newFakeConn()
	r.Register(second, RoleDevice, "dev2")
	if first.Closed() != 1 {
		t.Errorf("replaced device closed %d times, want 1", first.Closed())
	}
	if _, ok := r.Peer(firstID); ok {
		t.Error("replaced device still registered")
	}

	if err := r.SendDevice([]byte("hello")); err != nil {
		t.Fatalf("SendDevice() error = %v", err)
	}
	waitWrites(t, second, 1)
	if got := second.Frames(); len(got) != 1 || got[0] != "hello" {
		t.Errorf("device frames = %v", got)
	}
}

func TestBroadcastClientsOnly(t *testing.T) {
	r := New(0)
	defer r.Close()

	c1, c2, dev := newFakeConn(), newFakeConn(), newFakeConn()
	r.Register(c1, RoleClient, "c1")
	r.Register(c2, RoleClient, "c2")
	r.Register(dev, RoleDevice, "dev")

	if n := r.Broadcast([]byte("note")); n != 2 {
		t.Errorf("Broadcast() = %d, want 2", n)
	}
	waitWrites(t, c1, 1)
	waitWrites(t, c2, 1)
	if len(dev.Frames()) != 0 {
		t.Error("device should not receive broadcasts")
	}
}

func TestOnCloseRunsOnce(t *testing.T) {
	r := New(0)

	var mu sync.Mutex
	calls := map[ID]int{}
	r.OnClose(func(p *Peer) {
		mu.Lock()
		calls[p.ID]++
		mu.Unlock()
	})

	conn := newFakeConn()
	id := r.Register(conn, RoleClient, "x")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Unregister(id)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls[id] != 1 {
		t.Errorf("OnClose ran %d times, want 1", calls[id])
	}
	if conn.Closed() != 1 {
		t.Errorf("Close() called %d times, want 1", conn.Closed())
	}
	if err := r.Send(id, []byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after unregister error = %v", err)
	}
}

func TestWriteFailureUnregisters(t *testing.T) {
	r := New(0)
	defer r.Close()

	closed := make(chan ID, 1)
	r.OnClose(func(p *Peer) { closed <- p.ID })

	conn := newFakeConn()
	conn.fail = errors.New("broken pipe")
	id := r.Register(conn, RoleClient, "x")
	_ = r.Send(id, []byte("x"))

	select {
	case got := <-closed:
		if got != id {
			t.Errorf("closed peer %d, want %d", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer not unregistered after write failure")
	}
}

func TestPeersSnapshot(t *testing.T) {
	r := New(0)
	defer r.Close()

	r.Register(newFakeConn(), RoleClient, "10.0.0.1:1")
	r.Register(newFakeConn(), RoleDevice, "10.0.0.2:1")

	peers := r.Peers()
	if len(peers) != 2 {
		t.Fatalf("Peers() = %d entries, want 2", len(peers))
	}
	if peers[0].Role != "client" || peers[1].Role != "device" {
		t.Errorf("Peers() roles = %s, %s", peers[0].Role, peers[1].Role)
	}
}
