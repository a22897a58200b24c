package devicesim

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/muurk/xcpgate/internal/ota"
)

func handle(t *testing.T, d *Device, frame string) map[string]interface{} {
	t.Helper()
	out := d.Handle([]byte(frame))
	if out == nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("reply is not JSON: %s", out)
	}
	return m
}

func TestMemoryAccess(t *testing.T) {
	d := New(Options{})
	d.Set(0x20000100, 42)
	d.Protect(0x20000200)
	d.Fault(0x20000300, "bus fault")

	tests := []struct {
		name  string
		frame string
		want  map[string]interface{}
	}{
		{
			name:  "read",
			frame: `{"cmd":"mem_read","con_id":"01","add":"0x20000100","size":8}`,
			want:  map[string]interface{}{"res": "mem_read", "value": "0b00101010"},
		},
		{
			name:  "read unwritten",
			frame: `{"cmd":"mem_read","con_id":"01","add":"0x20000104","size":16}`,
			want:  map[string]interface{}{"value": "0b0000000000000000"},
		},
		{
			name:  "write",
			frame: `{"cmd":"mem_write","con_id":"01","add":"0x20000108","size":8,"data":"0b00000111"}`,
			want:  map[string]interface{}{"res": "mem_write", "state": "success"},
		},
		{
			name:  "write protected",
			frame: `{"cmd":"mem_write","con_id":"01","add":"0x20000200","size":8,"data":"0b00000001"}`,
			want:  map[string]interface{}{"state": "fail"},
		},
		{
			name:  "fault",
			frame: `{"cmd":"mem_read","con_id":"01","add":"0x20000300","size":32}`,
			want:  map[string]interface{}{"error": "bus fault"},
		},
		{
			name:  "bad size",
			frame: `{"cmd":"mem_read","con_id":"01","add":"0x20000100","size":12}`,
			want:  map[string]interface{}{"error": "bad access 0x20000100/12"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := handle(t, d, tt.frame)
			for k, v := range tt.want {
				if m[k] != v {
					t.Errorf("%s = %v, want %v", k, m[k], v)
				}
			}
		})
	}

	if v, _ := d.Get(0x20000108); v != 7 {
		t.Errorf("stored value = %d, want 7", v)
	}
	if s := d.Stats(); s.Rejected != 1 || s.Writes != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNarrowWritePreservesUpperBits(t *testing.T) {
	d := New(Options{})
	d.Set(0x10, 0xAABBCCDD)
	handle(t, d, `{"cmd":"mem_write","con_id":"01","add":"0x10","size":8,"data":"0b00010001"}`)
	if v, _ := d.Get(0x10); v != 0xAABBCC11 {
		t.Errorf("value = %#x, want 0xaabbcc11", v)
	}
}

func chunkFrame(conID string, idx, total int, chunk []byte) string {
	return fmt.Sprintf(`{"cmd":"ota_chunk","con_id":%q,"chunk_index":%d,"total_chunks":%d,"data":%q,"crc":%q}`,
		conID, idx, total, base64.StdEncoding.EncodeToString(chunk), ota.FormatChecksum(crc32.ChecksumIEEE(chunk)))
}

func TestReceiver(t *testing.T) {
	image := []byte("0123456789abcdefXYZ")
	sum := ota.FormatChecksum(crc32.ChecksumIEEE(image))

	d := New(Options{RejectChunk: func(i int) bool { return i == 1 }})
	if m := handle(t, d, fmt.Sprintf(`{"cmd":"ota_begin","con_id":"01","size":%d,"chunk_size":8,"total_chunks":3,"checksum":%q}`, len(image), sum)); m != nil {
		t.Fatalf("ota_begin reply = %v", m)
	}

	if m := handle(t, d, chunkFrame("01", 0, 3, image[:8])); m["state"] != "ok" || m["chunk_index"] != float64(0) {
		t.Fatalf("chunk 0 ack = %v", m)
	}
	if m := handle(t, d, chunkFrame("01", 1, 3, image[8:16])); m["state"] != "nack" {
		t.Fatalf("first chunk 1 = %v, want nack", m)
	}
	if m := handle(t, d, chunkFrame("01", 1, 3, image[8:16])); m["state"] != "ok" {
		t.Fatalf("retransmitted chunk 1 = %v", m)
	}

	bad := fmt.Sprintf(`{"cmd":"ota_chunk","con_id":"01","chunk_index":2,"total_chunks":3,"data":%q,"crc":"0x00000000"}`,
		base64.StdEncoding.EncodeToString(image[16:]))
	if m := handle(t, d, bad); m["state"] != "nack" {
		t.Fatalf("chunk with bad crc = %v", m)
	}
	handle(t, d, chunkFrame("01", 2, 3, image[16:]))

	m := handle(t, d, `{"cmd":"ota_finalize","con_id":"01","total_chunks":3}`)
	if m["res"] != "ota_verify" || m["state"] != "ok" || m["checksum"] != sum {
		t.Fatalf("verify = %v", m)
	}
	if got := string(d.Firmware()); got != string(image) {
		t.Errorf("firmware = %q", got)
	}
}

func TestReceiverMissingChunks(t *testing.T) {
	d := New(Options{})
	handle(t, d, `{"cmd":"ota_begin","con_id":"01","size":16,"chunk_size":8,"total_chunks":2,"checksum":"0x1"}`)
	handle(t, d, chunkFrame("01", 0, 2, []byte("01234567")))
	if m := handle(t, d, `{"cmd":"ota_finalize","con_id":"01"}`); m["state"] != "fail" {
		t.Errorf("verify = %v", m)
	}
}

func TestAbortDropsTransfer(t *testing.T) {
	d := New(Options{})
	handle(t, d, `{"cmd":"ota_begin","con_id":"01","size":8,"chunk_size":8,"total_chunks":1,"checksum":"0x1"}`)
	handle(t, d, `{"cmd":"ota_abort","con_id":"01"}`)
	if m := handle(t, d, chunkFrame("01", 0, 1, []byte("01234567"))); m["state"] != "nack" {
		t.Errorf("chunk after abort = %v", m)
	}
}

func TestMalformedAndUnknown(t *testing.T) {
	d := New(Options{})
	if out := d.Handle([]byte(`nope`)); out != nil {
		t.Errorf("reply to garbage = %s", out)
	}
	if out := d.Handle([]byte(`{"cmd":"reboot"}`)); out != nil {
		t.Errorf("reply to unknown command = %s", out)
	}
	if d.Stats().Unknown != 1 {
		t.Errorf("unknown = %d", d.Stats().Unknown)
	}
}
