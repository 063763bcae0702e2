package hypercall

import (
	"testing"

	"github.com/go-hermit/uhyve/internal/guestmem"
)

func TestWriteRequestRoundTrip(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 1); err != nil { // fd
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 0x200); err != nil { // buf
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x10c, 3); err != nil { // len
		t.Fatal(err)
	}

	req, err := DecodeWriteRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.FD != 1 || req.Buf != 0x200 || req.Len != 3 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeWriteLen(mem, 0x100, 3); err != nil {
		t.Fatal(err)
	}
	n, err := mem.ReadU64(0x10c)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("len field = %d, want 3", n)
	}
}

func TestOpenRequestRoundTrip(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU64(0x100, 0x300); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x108, 0); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x10c, 0644); err != nil {
		t.Fatal(err)
	}

	req, err := DecodeOpenRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.Name != 0x300 || req.Mode != 0644 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeOpenRet(mem, 0x100, 7); err != nil {
		t.Fatal(err)
	}
	ret, err := mem.ReadU32(0x110)
	if err != nil {
		t.Fatal(err)
	}
	if int32(ret) != 7 {
		t.Errorf("ret field = %d, want 7", ret)
	}
}

func TestCloseRequestGuardSentinelPreserved(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 5); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x104, 99); err != nil { // guard sentinel, not a real fd
		t.Fatal(err)
	}

	req, err := DecodeCloseRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.FD != 5 || req.Ret != 99 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeCloseRet(mem, 0x100, 0); err != nil {
		t.Fatal(err)
	}
	ret, err := mem.ReadU32(0x104)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 0 {
		t.Errorf("ret field = %d, want 0", ret)
	}
}

func TestReadRequestRoundTrip(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 3); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 0x400); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x10c, 128); err != nil {
		t.Fatal(err)
	}

	req, err := DecodeReadRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.FD != 3 || req.Buf != 0x400 || req.Len != 128 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeReadRet(mem, 0x100, 64); err != nil {
		t.Fatal(err)
	}
	ret, err := mem.ReadU64(0x114)
	if err != nil {
		t.Fatal(err)
	}
	if int64(ret) != 64 {
		t.Errorf("ret field = %d, want 64", ret)
	}
}

func TestLseekRequestOverwritesOffset(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 4); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 10); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x10c, 0); err != nil {
		t.Fatal(err)
	}

	req, err := DecodeLseekRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.FD != 4 || req.Offset != 10 || req.Whence != 0 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeLseekOffset(mem, 0x100, 99); err != nil {
		t.Fatal(err)
	}
	off, err := mem.ReadU64(0x104)
	if err != nil {
		t.Fatal(err)
	}
	if int64(off) != 99 {
		t.Errorf("offset field = %d, want 99", off)
	}
}

func TestNetInfoMACPaddedWithZeros(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := EncodeNetInfoMAC(mem, 0x100, "52:54:00:12:34:56"); err != nil {
		t.Fatal(err)
	}

	b, err := mem.Slice(0x100, netInfoRecordSize)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "52:54:00:12:34:56\x00" {
		t.Errorf("mac_str = %q", string(b))
	}
}

func TestNetWriteRequestRoundTrip(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU64(0x100, 0x500); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x108, 42); err != nil {
		t.Fatal(err)
	}

	req, err := DecodeNetWriteRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.Data != 0x500 || req.Len != 42 {
		t.Fatalf("decoded %+v", req)
	}

	if err := EncodeNetWriteRet(mem, 0x100, 0); err != nil {
		t.Fatal(err)
	}
}

func TestNetReadRequestEOFLeavesLenUntouched(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU64(0x100, 0x600); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x108, 256); err != nil {
		t.Fatal(err)
	}

	if err := EncodeNetReadRet(mem, 0x100, -1); err != nil {
		t.Fatal(err)
	}

	req, err := DecodeNetReadRequest(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if req.Len != 256 {
		t.Errorf("len field changed on EOF path: %d", req.Len)
	}
	if req.Ret != -1 {
		t.Errorf("ret field = %d, want -1", req.Ret)
	}
}

func TestDecodeExitStatus(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 42); err != nil {
		t.Fatal(err)
	}

	status, err := DecodeExitStatus(mem, 0x100)
	if err != nil {
		t.Fatal(err)
	}
	if status != 42 {
		t.Errorf("status = %d, want 42", status)
	}
}

func TestDecodeOutOfBoundsFails(t *testing.T) {
	mem := guestmem.New(make([]byte, 16))
	if _, err := DecodeReadRequest(mem, 0); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}
