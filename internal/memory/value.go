package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrValueOutOfRange means a value does not fit the access width.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrMalformedValue means a value is not a binary literal or a number.
	ErrMalformedValue = errors.New("malformed value")
)

// ValidSize reports whether size is a supported access width in bits.
func ValidSize(size int) bool {
	switch size {
	case 8, 16, 32, 64:
		return true
	}
	return false
}

// Mask returns the all-ones value of the given width.
func Mask(size int) uint64 {
	if size >= 64 {
		return math.MaxUint64
	}
	return (uint64(1) << uint(size)) - 1
}

// FormatBinary renders v as a 0b literal of exactly size digits, the form
// the device expects in mem_write frames.
func FormatBinary(v uint64, size int) string {
	digits := strconv.FormatUint(v&Mask(size), 2)
	return "0b" + strings.Repeat("0", size-len(digits)) + digits
}

// ParseWriteData converts the data field of a client mem_write into the
// raw value to store. A 0b literal must have exactly size digits; an
// unprefixed string of exactly size 0/1 digits is read as binary too.
// Decimal values may be negative and are stored in two's complement.
func ParseWriteData(data interface{}, size int) (uint64, error) {
	switch d := data.(type) {
	case string:
		return parseWriteString(strings.TrimSpace(d), size)
	case json.Number:
		return parseDecimal(d.String(), size)
	case float64:
		if d != math.Trunc(d) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrMalformedValue, d)
		}
		return parseDecimal(strconv.FormatFloat(d, 'f', -1, 64), size)
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformedValue, data)
	}
}

func parseWriteString(s string, size int) (uint64, error) {
	if strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B") {
		digits := s[2:]
		if digits == "" || strings.Trim(digits, "01") != "" {
			return 0, fmt.Errorf("%w: %q is not a binary literal", ErrMalformedValue, s)
		}
		if len(digits) != size {
			return 0, fmt.Errorf("%w: %d binary digits for a %d-bit access", ErrValueOutOfRange, len(digits), size)
		}
		return strconv.ParseUint(digits, 2, 64)
	}
	if len(s) == size && strings.Trim(s, "01") == "" {
		return strconv.ParseUint(s, 2, 64)
	}
	return parseDecimal(s, size)
}

func parseDecimal(s string, size int) (uint64, error) {
	if strings.HasPrefix(s, "-") {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, s)
			}
			return 0, fmt.Errorf("%w: %q", ErrMalformedValue, s)
		}
		if size < 64 && v < -(int64(1)<<uint(size-1)) {
			return 0, fmt.Errorf("%w: %s does not fit %d bits", ErrValueOutOfRange, s, size)
		}
		return uint64(v) & Mask(size), nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, s)
		}
		return 0, fmt.Errorf("%w: %q", ErrMalformedValue, s)
	}
	if v > Mask(size) {
		return 0, fmt.Errorf("%w: %s does not fit %d bits", ErrValueOutOfRange, s, size)
	}
	return v, nil
}

// ParseDeviceValue decodes a value reported by the device: a 0b or 0x
// literal, a decimal string, or a JSON number.
func ParseDeviceValue(v interface{}) (uint64, error) {
	switch val := v.(type) {
	case string:
		s := strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(s, "0b"), strings.HasPrefix(s, "0B"):
			return parseUint(s[2:], 2)
		case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
			return parseUint(s[2:], 16)
		case strings.HasPrefix(s, "-"):
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrMalformedValue, s)
			}
			return uint64(n), nil
		default:
			return parseUint(s, 10)
		}
	case json.Number:
		return ParseDeviceValue(val.String())
	case float64:
		if val < 0 || val != math.Trunc(val) || val > math.MaxUint64 {
			return 0, fmt.Errorf("%w: %v", ErrMalformedValue, val)
		}
		return uint64(val), nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrMalformedValue, v)
	}
}

func parseUint(s string, base int) (uint64, error) {
	n, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedValue, s)
	}
	return n, nil
}

// ParseAddress accepts hex with or without a 0x prefix.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, fmt.Errorf("%w: empty address", ErrMalformedValue)
	}
	return parseUint(s, 16)
}

// FormatAddress renders an address for device frames and replies.
func FormatAddress(addr uint64) string {
	return fmt.Sprintf("0x%08x", addr)
}
