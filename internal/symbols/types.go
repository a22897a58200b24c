package symbols

import (
	"debug/dwarf"
	"fmt"
)

// describe normalizes a DWARF type into the tag used in the symbol map and
// the element count. Integer types are named by width and signedness, so
// "long unsigned int" on a 32-bit target becomes uint32_t.
func describe(t dwarf.Type) (string, uint64) {
	switch t := t.(type) {
	case nil:
		return "unknown", 1
	case *dwarf.TypedefType:
		if anon := anonymousAggregate(t.Type); anon != "" {
			return anon + " " + t.Name, 1
		}
		return describe(t.Type)
	case *dwarf.QualType:
		return describe(t.Type)
	case *dwarf.ArrayType:
		tag, inner := describe(t.Type)
		if t.Count < 0 {
			return tag, 0
		}
		return tag, uint64(t.Count) * inner
	case *dwarf.PtrType:
		tag, _ := describe(t.Type)
		return tag + "*", 1
	case *dwarf.StructType:
		if t.StructName == "" {
			return t.Kind, 1
		}
		return t.Kind + " " + t.StructName, 1
	case *dwarf.EnumType:
		if t.EnumName == "" {
			return "enum", 1
		}
		return "enum " + t.EnumName, 1
	case *dwarf.BoolType:
		return "bool", 1
	case *dwarf.FloatType:
		switch t.ByteSize {
		case 4:
			return "float", 1
		case 8:
			return "double", 1
		}
		return t.Name, 1
	case *dwarf.CharType:
		return intTag(true, t.ByteSize), 1
	case *dwarf.UcharType:
		return intTag(false, t.ByteSize), 1
	case *dwarf.IntType:
		return intTag(true, t.ByteSize), 1
	case *dwarf.UintType:
		return intTag(false, t.ByteSize), 1
	case *dwarf.FuncType:
		return "func", 1
	case *dwarf.VoidType:
		return "void", 1
	default:
		if name := t.Common().Name; name != "" {
			return name, 1
		}
		return "unknown", 1
	}
}

// anonymousAggregate returns the kind of an unnamed struct, union or enum
// behind qualifiers, or "" for anything else.
func anonymousAggregate(t dwarf.Type) string {
	for {
		q, ok := t.(*dwarf.QualType)
		if !ok {
			break
		}
		t = q.Type
	}
	switch t := t.(type) {
	case *dwarf.StructType:
		if t.StructName == "" {
			return t.Kind
		}
	case *dwarf.EnumType:
		if t.EnumName == "" {
			return "enum"
		}
	}
	return ""
}

func intTag(signed bool, size int64) string {
	prefix := "int"
	if !signed {
		prefix = "uint"
	}
	if size <= 0 {
		return prefix
	}
	return fmt.Sprintf("%s%d_t", prefix, size*8)
}

func sizeOf(t dwarf.Type) uint64 {
	if t == nil {
		return 0
	}
	if s := t.Size(); s > 0 {
		return uint64(s)
	}
	return 0
}
