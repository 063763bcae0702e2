// Package guestmem provides the single chokepoint through which every
// hypercall handler, the ELF loader and the boot-info writer translate a
// guest physical address into a host byte slice. It models raw pointer
// arithmetic over guest memory as a bounded byte region with a small set
// of primitive, bounds-checked operations. The backing slice is reachable
// only through Bytes.
package guestmem

import (
	"encoding/binary"
	"fmt"
)

// Region is a bounded, page-aligned view of a guest's physical address
// space, backed by a single host byte slice (the MAP_SHARED anonymous
// mapping the VM builder allocates). Every method bounds-checks the
// requested guest physical address against the region's size before
// touching the backing slice.
type Region struct {
	mem []byte
}

// New wraps an existing host byte slice as a guest memory region. The slice
// is retained, not copied.
func New(mem []byte) *Region {
	return &Region{mem: mem}
}

// Size returns the region's size in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Bytes returns the entire backing slice, without any bounds checking. Only
// tests call it, to seed guest memory directly; hypercall handlers and the
// ELF loader use Slice/ReadU*/WriteU*/WriteBytes instead.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Slice returns the host-addressable bytes for the guest physical address
// range [gpa, gpa+length), bounds-checked against the region's size.
func (r *Region) Slice(gpa uint64, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	end := gpa + length
	if end < gpa || end > uint64(len(r.mem)) {
		return nil, fmt.Errorf("guestmem: range [0x%x, 0x%x) out of bounds (size 0x%x)", gpa, end, len(r.mem))
	}
	return r.mem[gpa:end], nil
}

// ReadU8, ReadU16, ReadU32, ReadU64 read a fixed-width little-endian scalar
// at the given guest physical address.
func (r *Region) ReadU8(gpa uint64) (uint8, error) {
	b, err := r.Slice(gpa, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Region) ReadU16(gpa uint64) (uint16, error) {
	b, err := r.Slice(gpa, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Region) ReadU32(gpa uint64) (uint32, error) {
	b, err := r.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Region) ReadU64(gpa uint64) (uint64, error) {
	b, err := r.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteU8, WriteU16, WriteU32, WriteU64 write a fixed-width little-endian
// scalar at the given guest physical address.
func (r *Region) WriteU8(gpa uint64, v uint8) error {
	b, err := r.Slice(gpa, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (r *Region) WriteU16(gpa uint64, v uint16) error {
	b, err := r.Slice(gpa, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (r *Region) WriteU32(gpa uint64, v uint32) error {
	b, err := r.Slice(gpa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (r *Region) WriteU64(gpa uint64, v uint64) error {
	b, err := r.Slice(gpa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// WriteBytes copies src into the guest physical address range starting at
// gpa, bounds-checked. It is used by the ELF loader to stage PT_LOAD
// segments.
func (r *Region) WriteBytes(gpa uint64, src []byte) error {
	dst, err := r.Slice(gpa, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// ReadCString reads a NUL-terminated string starting at gpa, bounded by the
// region's size. Used by the OPEN hypercall handler to read the guest's
// path argument.
func (r *Region) ReadCString(gpa uint64) (string, error) {
	if gpa >= uint64(len(r.mem)) {
		return "", fmt.Errorf("guestmem: address 0x%x out of bounds (size 0x%x)", gpa, len(r.mem))
	}
	rest := r.mem[gpa:]
	n := 0
	for n < len(rest) && rest[n] != 0 {
		n++
	}
	if n == len(rest) {
		return "", fmt.Errorf("guestmem: unterminated string at 0x%x", gpa)
	}
	return string(rest[:n]), nil
}

// Zero clears length bytes starting at gpa, bounds-checked. Used by the ELF
// loader to zero-fill the tail of a PT_LOAD segment ([p_filesz, p_memsz)).
func (r *Region) Zero(gpa uint64, length uint64) error {
	dst, err := r.Slice(gpa, length)
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = 0
	}
	return nil
}
