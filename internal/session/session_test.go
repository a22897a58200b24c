package session

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/muurk/xcpgate/internal/symbols"
)

func TestInitConflict(t *testing.T) {
	m := NewManager()

	s, err := m.Init("01", 1, nil)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if s.ConID != "01" || s.ConnID != 1 || s.State != Active {
		t.Errorf("Init() = %+v", s)
	}

	// Same con_id from the same or another connection conflicts.
	if _, err := m.Init("01", 1, nil); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("second Init() error = %v, want ErrSessionConflict", err)
	}
	if _, err := m.Init("01", 2, nil); !errors.Is(err, ErrSessionConflict) {
		t.Errorf("Init() from other connection error = %v, want ErrSessionConflict", err)
	}
}

func TestEnd(t *testing.T) {
	m := NewManager()
	m.Init("01", 1, nil)
	m.Init("02", 1, nil)

	tests := []struct {
		name     string
		conID    string
		connID   uint64
		wantLast bool
		wantErr  error
	}{
		{"unknown con_id", "99", 1, false, ErrUnknownSession},
		{"other connection", "01", 2, false, ErrUnknownSession},
		{"first of two", "01", 1, false, nil},
		{"already ended", "01", 1, false, ErrUnknownSession},
		{"last", "02", 1, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last, err := m.End(tt.conID, tt.connID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("End() error = %v, want %v", err, tt.wantErr)
			}
			if last != tt.wantLast {
				t.Errorf("End() last = %v, want %v", last, tt.wantLast)
			}
		})
	}

	// The con_id is free again after End.
	if _, err := m.Init("01", 3, nil); err != nil {
		t.Errorf("Init() after End error = %v", err)
	}
}

func TestLookupIsolation(t *testing.T) {
	m := NewManager()
	table := symbols.NewTable("0123456789ab", "fw", time.Now(), nil)
	m.Init("01", 1, table)

	s, err := m.Lookup("01", 1)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if s.Table != table {
		t.Error("Lookup() should return the bound table")
	}
	if _, err := m.Lookup("01", 2); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Lookup() from other connection error = %v, want ErrUnknownSession", err)
	}
}

func TestDropConnection(t *testing.T) {
	m := NewManager()
	m.Init("b", 1, nil)
	m.Init("a", 1, nil)
	m.Init("c", 2, nil)

	got := m.DropConnection(1)
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("DropConnection() = %v, want [a b]", got)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	if len(m.Bound(1)) != 0 {
		t.Errorf("Bound(1) = %v, want empty", m.Bound(1))
	}
	if got := m.DropConnection(1); len(got) != 0 {
		t.Errorf("second DropConnection() = %v, want empty", got)
	}
}

func TestConcurrentInitSingleWinner(t *testing.T) {
	m := NewManager()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(conn uint64) {
			defer wg.Done()
			if _, err := m.Init("shared", conn, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d concurrent Init() calls succeeded, want 1", wins)
	}
}
