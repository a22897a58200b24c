package symbols

import (
	"debug/dwarf"
	"encoding/binary"
	"testing"
)

// DWARF attribute forms used by the test image.
const (
	formString      = 0x08
	formData1       = 0x0b
	formRef4        = 0x13
	formExprloc     = 0x18
	formFlagPresent = 0x19
)

const (
	abbrevUnit = iota + 1
	abbrevBase
	abbrevVar
	abbrevStaticVar
	abbrevArray
	abbrevSubrange
	abbrevTypedef
	abbrevDecl
	abbrevSpecVar
	abbrevNoLocation
	abbrevStruct
	abbrevPointer
	abbrevVolatile
)

type buf struct{ b []byte }

func (w *buf) u8(v byte)    { w.b = append(w.b, v) }
func (w *buf) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *buf) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *buf) str(s string) { w.b = append(append(w.b, s...), 0) }

func (w *buf) uleb(v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		w.b = append(w.b, c)
		if v == 0 {
			return
		}
	}
}

func (w *buf) abbrev(code int, tag dwarf.Tag, children bool, pairs ...uint64) {
	w.uleb(uint64(code))
	w.uleb(uint64(tag))
	if children {
		w.u8(1)
	} else {
		w.u8(0)
	}
	for _, p := range pairs {
		w.uleb(p)
	}
	w.uleb(0)
	w.uleb(0)
}

func abbrevTable() []byte {
	a := &buf{}
	name := uint64(dwarf.AttrName)
	typ := uint64(dwarf.AttrType)
	loc := uint64(dwarf.AttrLocation)
	ext := uint64(dwarf.AttrExternal)

	a.abbrev(abbrevUnit, dwarf.TagCompileUnit, true, name, formString)
	a.abbrev(abbrevBase, dwarf.TagBaseType, false, name, formString, uint64(dwarf.AttrEncoding), formData1, uint64(dwarf.AttrByteSize), formData1)
	a.abbrev(abbrevVar, dwarf.TagVariable, false, name, formString, typ, formRef4, ext, formFlagPresent, loc, formExprloc)
	a.abbrev(abbrevStaticVar, dwarf.TagVariable, false, name, formString, typ, formRef4, loc, formExprloc)
	a.abbrev(abbrevArray, dwarf.TagArrayType, true, typ, formRef4)
	a.abbrev(abbrevSubrange, dwarf.TagSubrangeType, false, uint64(dwarf.AttrUpperBound), formData1)
	a.abbrev(abbrevTypedef, dwarf.TagTypedef, false, name, formString, typ, formRef4)
	a.abbrev(abbrevDecl, dwarf.TagVariable, false, name, formString, typ, formRef4, ext, formFlagPresent, uint64(dwarf.AttrDeclaration), formFlagPresent)
	a.abbrev(abbrevSpecVar, dwarf.TagVariable, false, uint64(dwarf.AttrSpecification), formRef4, loc, formExprloc)
	a.abbrev(abbrevNoLocation, dwarf.TagVariable, false, name, formString, typ, formRef4)
	a.abbrev(abbrevStruct, dwarf.TagStructType, false, name, formString, uint64(dwarf.AttrByteSize), formData1)
	a.abbrev(abbrevPointer, dwarf.TagPointerType, false, uint64(dwarf.AttrByteSize), formData1, typ, formRef4)
	a.abbrev(abbrevVolatile, dwarf.TagVolatileType, false, typ, formRef4)
	a.uleb(0)
	return a.b
}

// unit writes one DWARF v4 compile unit. Offsets returned by its helpers
// are unit-relative, as DW_FORM_ref4 expects.
type unit struct {
	w     *buf
	start int
}

func beginUnit(w *buf, name string) *unit {
	u := &unit{w: w, start: len(w.b)}
	w.u32(0) // unit_length, patched by end
	w.u16(4)
	w.u32(0) // debug_abbrev offset
	w.u8(4)  // address size
	w.uleb(abbrevUnit)
	w.str(name)
	return u
}

func (u *unit) off() uint32 { return uint32(len(u.w.b) - u.start) }

func (u *unit) end() {
	u.w.uleb(0)
	binary.LittleEndian.PutUint32(u.w.b[u.start:], uint32(len(u.w.b)-u.start-4))
}

func (u *unit) base(name string, encoding, size byte) uint32 {
	o := u.off()
	u.w.uleb(abbrevBase)
	u.w.str(name)
	u.w.u8(encoding)
	u.w.u8(size)
	return o
}

func (u *unit) ref(code int, typ uint32) uint32 {
	o := u.off()
	u.w.uleb(uint64(code))
	u.w.u32(typ)
	return o
}

func (u *unit) addr(a uint32) {
	u.w.uleb(5)
	u.w.u8(opAddr)
	u.w.u32(a)
}

func (u *unit) global(name string, typ, a uint32) {
	u.w.uleb(abbrevVar)
	u.w.str(name)
	u.w.u32(typ)
	u.addr(a)
}

func (u *unit) static(name string, typ, a uint32) {
	u.w.uleb(abbrevStaticVar)
	u.w.str(name)
	u.w.u32(typ)
	u.addr(a)
}

func (u *unit) staticExpr(name string, typ uint32, expr ...byte) {
	u.w.uleb(abbrevStaticVar)
	u.w.str(name)
	u.w.u32(typ)
	u.w.uleb(uint64(len(expr)))
	u.w.b = append(u.w.b, expr...)
}

const (
	ateSigned       = 0x05
	ateUnsigned     = 0x07
	ateUnsignedChar = 0x08
)

// testDebugInfo describes two units:
//
//	main.c: counter, status_flags, cfg, p_value, buffer, tickstart, shared
//	        plus register, stack and optimized-out variables
//	other.c: a static counter and a second description of shared
func testDebugInfo() []byte {
	w := &buf{}

	u := beginUnit(w, "src/main.c")
	uintT := u.base("unsigned int", ateUnsigned, 4)
	intT := u.base("int", ateSigned, 4)
	u8T := u.base("unsigned char", ateUnsignedChar, 1)
	shortT := u.base("short int", ateSigned, 2)
	typedefT := u.off()
	w.uleb(abbrevTypedef)
	w.str("uint32_t")
	w.u32(uintT)
	volatileT := u.ref(abbrevVolatile, typedefT)
	arrayT := u.ref(abbrevArray, u8T)
	w.uleb(abbrevSubrange)
	w.u8(15)
	w.uleb(0)
	structT := u.off()
	w.uleb(abbrevStruct)
	w.str("config_t")
	w.u8(8)
	ptrT := u.off()
	w.uleb(abbrevPointer)
	w.u8(4)
	w.u32(intT)

	u.global("counter", uintT, 0x20000100)
	u.static("buffer", arrayT, 0x20000200)
	u.global("status_flags", volatileT, 0x20000104)
	u.global("cfg", structT, 0x20000110)
	u.static("p_value", ptrT, 0x20000120)
	u.staticExpr("in_register", intT, 0x50)
	u.staticExpr("on_stack", intT, 0x91, 0x7c)
	w.uleb(abbrevNoLocation)
	w.str("optimized_out")
	w.u32(intT)
	u.global("tickstart", intT, 0x20000300)

	decl := u.off()
	w.uleb(abbrevDecl)
	w.str("shared")
	w.u32(shortT)
	w.uleb(abbrevSpecVar)
	w.u32(decl)
	u.addr(0x20000400)
	u.end()

	o := beginUnit(w, `lib\other.c`)
	otherInt := o.base("int", ateSigned, 4)
	otherShort := o.base("short int", ateSigned, 2)
	o.static("counter", otherInt, 0x20000500)
	o.global("shared", otherShort, 0x20000400)
	o.end()

	return w.b
}

type elfSection struct {
	name string
	data []byte
}

// assembleELF lays out a little-endian ELF32 ARM executable holding only
// the given PROGBITS sections and a section name table.
func assembleELF(sections []elfSection) []byte {
	const (
		ehsize    = 52
		shentsize = 40
	)

	shstr := []byte{0}
	names := make([]uint32, len(sections))
	for i, s := range sections {
		names[i] = uint32(len(shstr))
		shstr = append(append(shstr, s.name...), 0)
	}
	shstrName := uint32(len(shstr))
	shstr = append(shstr, ".shstrtab\x00"...)

	out := &buf{b: make([]byte, ehsize)}
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		offsets[i] = uint32(len(out.b))
		out.b = append(out.b, s.data...)
	}
	shstrOff := uint32(len(out.b))
	out.b = append(out.b, shstr...)
	for len(out.b)%4 != 0 {
		out.u8(0)
	}

	shoff := uint32(len(out.b))
	header := func(name, typ, off, size uint32) {
		for _, v := range []uint32{name, typ, 0, 0, off, size, 0, 0, 1, 0} {
			out.u32(v)
		}
	}
	out.b = append(out.b, make([]byte, shentsize)...)
	for i, s := range sections {
		header(names[i], 1, offsets[i], uint32(len(s.data))) // SHT_PROGBITS
	}
	header(shstrName, 3, shstrOff, uint32(len(shstr))) // SHT_STRTAB
	shnum := uint16(len(sections) + 2)

	h := &buf{}
	h.b = append(h.b, 0x7f, 'E', 'L', 'F', 1, 1, 1, 0)
	h.b = append(h.b, make([]byte, 8)...)
	h.u16(2)  // ET_EXEC
	h.u16(40) // EM_ARM
	h.u32(1)
	h.u32(0) // entry
	h.u32(0) // phoff
	h.u32(shoff)
	h.u32(0x05000000)
	h.u16(ehsize)
	h.u16(32)
	h.u16(0)
	h.u16(shentsize)
	h.u16(shnum)
	h.u16(shnum - 1)
	copy(out.b, h.b)

	return out.b
}

func testImage(t *testing.T) []byte {
	t.Helper()
	return assembleELF([]elfSection{
		{".debug_abbrev", abbrevTable()},
		{".debug_info", testDebugInfo()},
	})
}
