package symbols

import "fmt"

// ImageParseError means the container format was not recognized.
type ImageParseError struct {
	Image string
	Err   error
}

func (e *ImageParseError) Error() string {
	return fmt.Sprintf("cannot parse firmware image %q: %v", e.Image, e.Err)
}

func (e *ImageParseError) Unwrap() error {
	return e.Err
}

// DebugInfoMissing means the image is a valid ELF file without usable DWARF.
// Rebuild the firmware with -g to get a symbol map.
type DebugInfoMissing struct {
	Image string
	Err   error
}

func (e *DebugInfoMissing) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("firmware image %q has no usable debug info: %v", e.Image, e.Err)
	}
	return fmt.Sprintf("firmware image %q has no debug info (build with -g)", e.Image)
}

func (e *DebugInfoMissing) Unwrap() error {
	return e.Err
}
