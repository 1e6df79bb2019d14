package debugger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/mod/semver"
	"import.name/pan"
)

var z = new(pan.Zone)

// Cookie identifies an encoded debug header.
var Cookie = [4]byte{'N', 'A', 'D', 'H'}

// Header versions. Major changes are breaking for readers.
const (
	MajorVersion = 1
	MinorVersion = 0
)

// Header flags.
const (
	FlagPointer8  = 1 << 0 // Pointers are 8 bytes, otherwise 4.
	FlagBigEndian = 1 << 1
)

// SizeField is the field name of entries recording a type's size.
const SizeField = "SIZEOF"

var (
	errBadCookie = errors.New("debug header: bad cookie")
	errShort     = errors.New("debug header: truncated")
)

// TypeEntry records a field offset, or a type size when FieldName is
// SizeField.
type TypeEntry struct {
	TypeName  string
	FieldName string
	Offset    uint32
}

// GlobalEntry records the address of a runtime global.
type GlobalEntry struct {
	Name    string
	Address uint64
}

// DefineEntry records a named constant.
type DefineEntry struct {
	Name  string
	Value string
}

// Header describes runtime data structures to diagnostic tools.
//
// Encoding (integers little-endian regardless of Flags):
//
//	cookie [4]byte "NADH"
//	major, minor uint16
//	flags, reserved uint32
//	types:   count uint32, then (typeName, fieldName string; offset uint32)
//	globals: count uint32, then (name string; address pointer)
//	defines: count uint32, then (name, value string)
//
// Strings are a uint32 length followed by the bytes. Pointers are 4 or 8
// bytes according to FlagPointer8.
type Header struct {
	Major   uint16
	Minor   uint16
	Flags   uint32
	Types   []TypeEntry
	Globals []GlobalEntry
	Defines []DefineEntry
}

// NewHeader returns an empty header for the wasm32 target.
func NewHeader() *Header {
	return &Header{Major: MajorVersion, Minor: MinorVersion}
}

// PointerSize returns 4 or 8.
func (h *Header) PointerSize() int {
	if h.Flags&FlagPointer8 != 0 {
		return 8
	}
	return 4
}

// Version returns the header version as a semantic version string.
func (h *Header) Version() string {
	return fmt.Sprintf("v%d.%d.0", h.Major, h.Minor)
}

// Compatible reports whether a reader implementing version can parse h.
func (h *Header) Compatible(version string) bool {
	return semver.IsValid(version) && semver.Major(version) == semver.Major(h.Version())
}

// AddField records the offset of typeName.fieldName.
func (h *Header) AddField(typeName, fieldName string, offset uint32) {
	h.Types = append(h.Types, TypeEntry{typeName, fieldName, offset})
}

// AddSize records the size of typeName.
func (h *Header) AddSize(typeName string, size uint32) {
	h.AddField(typeName, SizeField, size)
}

// AddGlobal records the address of a global.
func (h *Header) AddGlobal(name string, addr uint64) {
	h.Globals = append(h.Globals, GlobalEntry{name, addr})
}

// AddDefine records a named constant.
func (h *Header) AddDefine(name, value string) {
	h.Defines = append(h.Defines, DefineEntry{name, value})
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	b := append([]byte(nil), Cookie[:]...)
	b = binary.LittleEndian.AppendUint16(b, h.Major)
	b = binary.LittleEndian.AppendUint16(b, h.Minor)
	b = binary.LittleEndian.AppendUint32(b, h.Flags)
	b = binary.LittleEndian.AppendUint32(b, 0)

	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Types))) //nolint:gosec
	for _, e := range h.Types {
		b = appendString(b, e.TypeName)
		b = appendString(b, e.FieldName)
		b = binary.LittleEndian.AppendUint32(b, e.Offset)
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Globals))) //nolint:gosec
	for _, e := range h.Globals {
		b = appendString(b, e.Name)
		if h.PointerSize() == 8 {
			b = binary.LittleEndian.AppendUint64(b, e.Address)
		} else {
			if e.Address > 1<<32-1 {
				return nil, fmt.Errorf("debug header: global %s address %#x exceeds pointer size", e.Name, e.Address)
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(e.Address))
		}
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(len(h.Defines))) //nolint:gosec
	for _, e := range h.Defines {
		b = appendString(b, e.Name)
		b = appendString(b, e.Value)
	}
	return b, nil
}

// UnmarshalBinary decodes a header encoded by MarshalBinary. Headers with a
// different major version are rejected.
func (h *Header) UnmarshalBinary(data []byte) error {
	return z.Recover(func() {
		r := reader{data}

		if string(r.bytes(4)) != string(Cookie[:]) {
			z.Check(errBadCookie)
		}

		var dec Header
		dec.Major = r.u16()
		dec.Minor = r.u16()
		if dec.Major != MajorVersion {
			z.Check(fmt.Errorf("debug header: unsupported major version %d", dec.Major))
		}
		dec.Flags = r.u32()
		r.u32() // reserved

		for n := r.count(); n > 0; n-- {
			dec.Types = append(dec.Types, TypeEntry{r.str(), r.str(), r.u32()})
		}
		for n := r.count(); n > 0; n-- {
			name := r.str()
			var addr uint64
			if dec.PointerSize() == 8 {
				addr = r.u64()
			} else {
				addr = uint64(r.u32())
			}
			dec.Globals = append(dec.Globals, GlobalEntry{name, addr})
		}
		for n := r.count(); n > 0; n-- {
			dec.Defines = append(dec.Defines, DefineEntry{r.str(), r.str()})
		}
		if len(r.b) != 0 {
			z.Check(fmt.Errorf("debug header: %d trailing bytes", len(r.b)))
		}

		*h = dec
	})
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s))) //nolint:gosec
	return append(b, s...)
}

// reader panics through the zone on truncated input.
type reader struct {
	b []byte
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || len(r.b) < n {
		z.Check(errShort)
	}
	p := r.b[:n]
	r.b = r.b[n:]
	return p
}

func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }

func (r *reader) str() string {
	n := r.u32()
	if uint64(n) > uint64(len(r.b)) {
		z.Check(errShort)
	}
	return string(r.bytes(int(n)))
}

// count reads an entry count, bounded by the remaining input so that a
// corrupt count cannot trigger a huge loop.
func (r *reader) count() uint32 {
	n := r.u32()
	if uint64(n) > uint64(len(r.b)) {
		z.Check(errShort)
	}
	return n
}
