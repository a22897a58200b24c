package symbols

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DW_OP_addr
const opAddr = 0x03

// Extractor builds symbol tables from ELF images with DWARF debug info.
// Only variables with a fixed DW_OP_addr location are reported.
type Extractor struct {
	exclude []*regexp.Regexp
}

// NewExtractor returns an extractor that drops variables whose name matches
// any of the given regular expressions.
func NewExtractor(patterns []string) (*Extractor, error) {
	exclude, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	return &Extractor{exclude: exclude}, nil
}

// NewDefaultExtractor combines the built-in exclusion list with extra patterns.
func NewDefaultExtractor(extra []string) (*Extractor, error) {
	patterns, err := DefaultExcludePatterns()
	if err != nil {
		return nil, err
	}
	return NewExtractor(append(patterns, extra...))
}

// ExtractFile reads and extracts the image at path. The table is named
// after the file's base name without extension.
func (x *Extractor) ExtractFile(imagePath string) (*Table, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware image: %w", err)
	}
	base := filepath.Base(imagePath)
	return x.Extract(strings.TrimSuffix(base, filepath.Ext(base)), data)
}

// Extract parses an in-memory image. The same bytes always produce the same
// records in the same order.
func (x *Extractor) Extract(image string, data []byte) (*Table, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageParseError{Image: image, Err: err}
	}
	defer f.Close()

	if f.Section(".debug_info") == nil && f.Section(".zdebug_info") == nil {
		return nil, &DebugInfoMissing{Image: image}
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, &DebugInfoMissing{Image: image, Err: err}
	}

	found, err := x.collect(d, f.ByteOrder, f.Type == elf.ET_REL)
	if err != nil {
		return nil, &ImageParseError{Image: image, Err: err}
	}

	return NewTable(ImageIDFor(data), image, time.Now().UTC(), finalize(found)), nil
}

type candidate struct {
	SymbolRecord
	unit string
}

func (x *Extractor) collect(d *dwarf.Data, order binary.ByteOrder, relocatable bool) ([]candidate, error) {
	var (
		found []candidate
		unit  string
	)
	rd := d.Reader()
	for {
		e, err := rd.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read DWARF entry: %w", err)
		}
		if e == nil {
			break
		}

		switch e.Tag {
		case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
			unit = unitName(e)
		case dwarf.TagVariable:
			c, ok := x.variable(d, e, rd.AddressSize(), order)
			if !ok {
				continue
			}
			// Unrelocated objects carry zero placeholders instead of addresses.
			if relocatable && c.Address == 0 {
				continue
			}
			c.unit = unit
			found = append(found, c)
		}
	}
	return found, nil
}

func (x *Extractor) variable(d *dwarf.Data, e *dwarf.Entry, addrSize int, order binary.ByteOrder) (candidate, bool) {
	addr, ok := staticAddress(e, addrSize, order)
	if !ok {
		return candidate{}, false
	}

	chain := declarationChain(d, e)
	name, _ := lookup(chain, dwarf.AttrName).(string)
	if name == "" || x.excluded(name) {
		return candidate{}, false
	}

	var typ dwarf.Type
	if off, ok := lookup(chain, dwarf.AttrType).(dwarf.Offset); ok {
		// An unreadable type still leaves a usable address.
		typ, _ = d.Type(off)
	}
	tag, elements := describe(typ)

	scope := ScopeStatic
	if ext, _ := lookup(chain, dwarf.AttrExternal).(bool); ext {
		scope = ScopeGlobal
	}

	return candidate{SymbolRecord: SymbolRecord{
		Name:     name,
		Address:  addr,
		Size:     sizeOf(typ),
		Type:     tag,
		Elements: elements,
		Scope:    scope,
	}}, true
}

func (x *Extractor) excluded(name string) bool {
	for _, re := range x.exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func staticAddress(e *dwarf.Entry, addrSize int, order binary.ByteOrder) (uint64, bool) {
	field := e.AttrField(dwarf.AttrLocation)
	if field == nil || (field.Class != dwarf.ClassExprLoc && field.Class != dwarf.ClassBlock) {
		return 0, false
	}
	expr, ok := field.Val.([]byte)
	if !ok || len(expr) != 1+addrSize || expr[0] != opAddr {
		return 0, false
	}
	switch addrSize {
	case 2:
		return uint64(order.Uint16(expr[1:])), true
	case 4:
		return uint64(order.Uint32(expr[1:])), true
	case 8:
		return order.Uint64(expr[1:]), true
	}
	return 0, false
}

// declarationChain returns e followed by the entries it refers to through
// DW_AT_specification or DW_AT_abstract_origin.
func declarationChain(d *dwarf.Data, e *dwarf.Entry) []*dwarf.Entry {
	chain := []*dwarf.Entry{e}
	for len(chain) < 4 {
		cur := chain[len(chain)-1]
		off, ok := cur.Val(dwarf.AttrSpecification).(dwarf.Offset)
		if !ok {
			off, ok = cur.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		}
		if !ok {
			break
		}
		next := entryAt(d, off)
		if next == nil {
			break
		}
		chain = append(chain, next)
	}
	return chain
}

func entryAt(d *dwarf.Data, off dwarf.Offset) *dwarf.Entry {
	r := d.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil
	}
	return e
}

func lookup(chain []*dwarf.Entry, attr dwarf.Attr) interface{} {
	for _, e := range chain {
		if v := e.Val(attr); v != nil {
			return v
		}
	}
	return nil
}

func unitName(e *dwarf.Entry) string {
	name, _ := e.Val(dwarf.AttrName).(string)
	if name == "" {
		return "unknown"
	}
	return path.Base(strings.ReplaceAll(name, `\`, "/"))
}

// finalize orders records by address then name and makes names unique.
// A name seen again at the same address is the same variable described by
// another unit and is dropped. A name seen at a different address becomes
// name@unit.
func finalize(found []candidate) []SymbolRecord {
	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.unit < b.unit
	})

	records := make([]SymbolRecord, 0, len(found))
	names := make(map[string]bool, len(found))
	located := make(map[string]bool, len(found))
	for _, c := range found {
		key := c.Name + "\x00" + strconv.FormatUint(c.Address, 16)
		if located[key] {
			continue
		}
		located[key] = true

		name := c.Name
		if names[name] {
			name = c.Name + "@" + c.unit
			for n := 2; names[name]; n++ {
				name = fmt.Sprintf("%s@%s#%d", c.Name, c.unit, n)
			}
		}
		names[name] = true

		r := c.SymbolRecord
		r.Name = name
		records = append(records, r)
	}
	return records
}
