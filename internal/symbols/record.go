package symbols

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Scope is the linkage of a variable.
type Scope string

const (
	ScopeGlobal Scope = "global" // DW_AT_external
	ScopeStatic Scope = "static" // file or function static
)

// SymbolRecord is one addressable variable in a firmware image.
type SymbolRecord struct {
	Name     string `json:"name"`
	Address  uint64 `json:"address"`
	Size     uint64 `json:"size"`     // bytes, arrays report their total size
	Type     string `json:"type"`     // normalized tag, e.g. "uint32_t", "struct foo", "int8_t*"
	Elements uint64 `json:"elements"` // 1 for scalars
	Scope    Scope  `json:"scope"`
}

// HexAddress formats the address the way the symbol map does.
func (r SymbolRecord) HexAddress() string {
	return fmt.Sprintf("0x%08x", r.Address)
}

// Table is the immutable symbol map of one firmware image. Sessions share
// tables by pointer and never modify them.
type Table struct {
	ImageID     string
	Image       string
	ExtractedAt time.Time

	records []SymbolRecord
	byName  map[string]int
}

// NewTable builds a table from records that are already ordered and uniquely named.
func NewTable(imageID, image string, extractedAt time.Time, records []SymbolRecord) *Table {
	t := &Table{
		ImageID:     imageID,
		Image:       image,
		ExtractedAt: extractedAt,
		records:     records,
		byName:      make(map[string]int, len(records)),
	}
	for i, r := range records {
		t.byName[r.Name] = i
	}
	return t
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}

// Records returns a copy of the ordered records.
func (t *Table) Records() []SymbolRecord {
	if t == nil {
		return nil
	}
	out := make([]SymbolRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Lookup finds a record by name.
func (t *Table) Lookup(name string) (SymbolRecord, bool) {
	if t == nil {
		return SymbolRecord{}, false
	}
	i, ok := t.byName[name]
	if !ok {
		return SymbolRecord{}, false
	}
	return t.records[i], true
}

// ImageIDFor derives the image identity from its bytes.
func ImageIDFor(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])[:12]
}
