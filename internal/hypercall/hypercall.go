// Package hypercall decodes the fixed-layout request records the guest
// addresses by port, and encodes the result fields written back into them;
// the host-side action for each port is carried out by internal/vcpu. Every
// decoder and encoder reaches guest memory exclusively through internal/guestmem: each
// port's record is an in-band packed struct over guest memory, modelled
// here as a tagged variant keyed by port with a pure decode function per
// variant.
package hypercall

import (
	"fmt"

	"github.com/go-hermit/uhyve/internal/guestmem"
)

// Port numbers the guest uses to address each hypercall.
const (
	PortWrite    = 0x499
	PortOpen     = 0x500
	PortClose    = 0x501
	PortRead     = 0x502
	PortExit     = 0x503
	PortLseek    = 0x504
	PortNetInfo  = 0x505
	PortNetWrite = 0x506
	PortNetRead  = 0x507
)

// Record byte layouts, no padding, little-endian — matching a packed C
// struct's layout exactly (no compiler-inserted alignment padding
// anywhere in the record).
const (
	netInfoRecordSize = 18
)

// WriteRequest is the {fd, buf, len} record for port 0x499, 20 bytes packed:
// fd(4)@0, buf(8)@4, len(8)@12. Len doubles as the return value (bytes
// written) — there is no separate Ret field, unlike ReadRequest.
type WriteRequest struct {
	FD  int32
	Buf uint64
	Len int64
}

func DecodeWriteRequest(mem *guestmem.Region, gpa uint64) (WriteRequest, error) {
	b, err := mem.Slice(gpa, 20)
	if err != nil {
		return WriteRequest{}, err
	}
	return WriteRequest{
		FD:  int32(le32(b[0:4])),
		Buf: le64(b[4:12]),
		Len: int64(le64(b[12:20])),
	}, nil
}

func EncodeWriteLen(mem *guestmem.Region, gpa uint64, n int64) error {
	return mem.WriteU64(gpa+12, uint64(n))
}

// OpenRequest is the {name, flags, mode, ret} record for port 0x500.
type OpenRequest struct {
	Name  uint64
	Flags int32
	Mode  int32
	Ret   int32
}

func DecodeOpenRequest(mem *guestmem.Region, gpa uint64) (OpenRequest, error) {
	b, err := mem.Slice(gpa, 20)
	if err != nil {
		return OpenRequest{}, err
	}
	return OpenRequest{
		Name:  le64(b[0:8]),
		Flags: int32(le32(b[8:12])),
		Mode:  int32(le32(b[12:16])),
		Ret:   int32(le32(b[16:20])),
	}, nil
}

func EncodeOpenRet(mem *guestmem.Region, gpa uint64, ret int32) error {
	return mem.WriteU32(gpa+16, uint32(ret))
}

// CloseRequest is the {fd, ret} record for port 0x501. Ret is dual-use: the
// guest writes a sentinel into it before the call (the guard is `ret > 2`,
// preventing a close of stdin/stdout/stderr), and the host overwrites it
// with the close() result afterward.
type CloseRequest struct {
	FD  int32
	Ret int32
}

func DecodeCloseRequest(mem *guestmem.Region, gpa uint64) (CloseRequest, error) {
	b, err := mem.Slice(gpa, 8)
	if err != nil {
		return CloseRequest{}, err
	}
	return CloseRequest{
		FD:  int32(le32(b[0:4])),
		Ret: int32(le32(b[4:8])),
	}, nil
}

func EncodeCloseRet(mem *guestmem.Region, gpa uint64, ret int32) error {
	return mem.WriteU32(gpa+4, uint32(ret))
}

// ReadRequest is the {fd, buf, len, ret} record for port 0x502, 28 bytes
// packed: fd(4)@0, buf(8)@4, len(8)@12, ret(8)@20.
type ReadRequest struct {
	FD  int32
	Buf uint64
	Len int64
	Ret int64
}

func DecodeReadRequest(mem *guestmem.Region, gpa uint64) (ReadRequest, error) {
	b, err := mem.Slice(gpa, 28)
	if err != nil {
		return ReadRequest{}, err
	}
	return ReadRequest{
		FD:  int32(le32(b[0:4])),
		Buf: le64(b[4:12]),
		Len: int64(le64(b[12:20])),
		Ret: int64(le64(b[20:28])),
	}, nil
}

func EncodeReadRet(mem *guestmem.Region, gpa uint64, ret int64) error {
	return mem.WriteU64(gpa+20, uint64(ret))
}

// LseekRequest is the {fd, offset, whence} record for port 0x504, 16 bytes
// packed: fd(4)@0, offset(8)@4, whence(4)@12. The result overwrites Offset
// in place — there is no separate return field.
type LseekRequest struct {
	FD     int32
	Offset int64
	Whence int32
}

func DecodeLseekRequest(mem *guestmem.Region, gpa uint64) (LseekRequest, error) {
	b, err := mem.Slice(gpa, 16)
	if err != nil {
		return LseekRequest{}, err
	}
	return LseekRequest{
		FD:     int32(le32(b[0:4])),
		Offset: int64(le64(b[4:12])),
		Whence: int32(le32(b[12:16])),
	}, nil
}

func EncodeLseekOffset(mem *guestmem.Region, gpa uint64, offset int64) error {
	return mem.WriteU64(gpa+4, uint64(offset))
}

// EncodeNetInfoMAC fills the {mac_str[18]} record for port 0x505 with
// macStr, zero-padding the rest of the 18 bytes.
func EncodeNetInfoMAC(mem *guestmem.Region, gpa uint64, macStr string) error {
	b, err := mem.Slice(gpa, netInfoRecordSize)
	if err != nil {
		return err
	}
	n := copy(b, macStr)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
	return nil
}

// NetWriteRequest is the {data, len, ret} record for port 0x506.
type NetWriteRequest struct {
	Data uint64
	Len  int64
	Ret  int32
}

func DecodeNetWriteRequest(mem *guestmem.Region, gpa uint64) (NetWriteRequest, error) {
	b, err := mem.Slice(gpa, 20)
	if err != nil {
		return NetWriteRequest{}, err
	}
	return NetWriteRequest{
		Data: le64(b[0:8]),
		Len:  int64(le64(b[8:16])),
		Ret:  int32(le32(b[16:20])),
	}, nil
}

func EncodeNetWriteRet(mem *guestmem.Region, gpa uint64, ret int32) error {
	return mem.WriteU32(gpa+16, uint32(ret))
}

// NetReadRequest is the {data, len, ret} record for port 0x507. On success
// Len is overwritten with the actual byte count and Ret=0; on EOF/EAGAIN
// Ret=-1 and Len is left untouched.
type NetReadRequest struct {
	Data uint64
	Len  int64
	Ret  int32
}

func DecodeNetReadRequest(mem *guestmem.Region, gpa uint64) (NetReadRequest, error) {
	b, err := mem.Slice(gpa, 20)
	if err != nil {
		return NetReadRequest{}, err
	}
	return NetReadRequest{
		Data: le64(b[0:8]),
		Len:  int64(le64(b[8:16])),
		Ret:  int32(le32(b[16:20])),
	}, nil
}

func EncodeNetReadLen(mem *guestmem.Region, gpa uint64, n int64) error {
	return mem.WriteU64(gpa+8, uint64(n))
}

func EncodeNetReadRet(mem *guestmem.Region, gpa uint64, ret int32) error {
	return mem.WriteU32(gpa+16, uint32(ret))
}

// DecodeExitStatus is the bare int32 payload for port 0x503.
func DecodeExitStatus(mem *guestmem.Region, gpa uint64) (int32, error) {
	v, err := mem.ReadU32(gpa)
	if err != nil {
		return 0, fmt.Errorf("hypercall: decode EXIT status: %w", err)
	}
	return int32(v), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
