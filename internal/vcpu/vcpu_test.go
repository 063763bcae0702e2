package vcpu

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/go-hermit/uhyve/internal/guestmem"
)

type fakeNet struct {
	fd  int
	mac string
}

func (f *fakeNet) FD() int          { return f.fd }
func (f *fakeNet) MACString() string { return f.mac }

func TestHandleWriteWritesAndRecordsLen(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	mem := guestmem.New(make([]byte, 0x1000))
	copy(mem.Bytes()[0x200:], []byte("hi\n"))
	if err := mem.WriteU32(0x100, uint32(w.Fd())); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x10c, 3); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem}
	if err := rt.handleWrite(0x100); err != nil {
		t.Fatal(err)
	}

	n, err := mem.ReadU64(0x10c)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("len field = %d, want 3", n)
	}

	got := make([]byte, 3)
	if _, err := r.Read(got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi\n" {
		t.Errorf("read %q from pipe, want %q", got, "hi\n")
	}
}

func TestHandleOpenAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}

	mem := guestmem.New(make([]byte, 0x1000))
	copy(mem.Bytes()[0x200:], append([]byte(path), 0))
	if err := mem.WriteU64(0x100, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x108, unix.O_RDONLY); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem}
	if err := rt.handleOpen(0x100); err != nil {
		t.Fatal(err)
	}

	ret, err := mem.ReadU32(0x110)
	if err != nil {
		t.Fatal(err)
	}
	fd := int32(ret)
	if fd < 0 {
		t.Fatalf("open failed, ret=%d", fd)
	}

	closeMem := guestmem.New(make([]byte, 0x1000))
	if err := closeMem.WriteU32(0x100, uint32(fd)); err != nil {
		t.Fatal(err)
	}
	if err := closeMem.WriteU32(0x104, 99); err != nil {
		t.Fatal(err)
	}
	closeRt := &Runtime{Mem: closeMem}
	if err := closeRt.handleClose(0x100); err != nil {
		t.Fatal(err)
	}
	closeRet, err := closeMem.ReadU32(0x104)
	if err != nil {
		t.Fatal(err)
	}
	if int32(closeRet) != 0 {
		t.Errorf("close ret = %d, want 0", int32(closeRet))
	}
}

func TestHandleCloseGuardPreventsStdioClose(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, 1); err != nil { // fd=stdout
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x104, 1); err != nil { // sentinel <= 2, guard should fire
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem}
	if err := rt.handleClose(0x100); err != nil {
		t.Fatal(err)
	}

	ret, err := mem.ReadU32(0x104)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 1 {
		t.Errorf("ret field was rewritten to %d, guard should have left it untouched", ret)
	}
}

func TestHandleReadReadsIntoGuestBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, uint32(f.Fd())); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x10c, 5); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem}
	if err := rt.handleRead(0x100); err != nil {
		t.Fatal(err)
	}

	ret, err := mem.ReadU64(0x114)
	if err != nil {
		t.Fatal(err)
	}
	if ret != 5 {
		t.Errorf("ret field = %d, want 5", ret)
	}
	b, err := mem.Slice(0x200, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "hello" {
		t.Errorf("read %q into guest buffer, want %q", b, "hello")
	}
}

func TestHandleLseekOverwritesOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU32(0x100, uint32(f.Fd())); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x104, 5); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU32(0x10c, unix.SEEK_SET); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem}
	if err := rt.handleLseek(0x100); err != nil {
		t.Fatal(err)
	}

	off, err := mem.ReadU64(0x104)
	if err != nil {
		t.Fatal(err)
	}
	if off != 5 {
		t.Errorf("offset field = %d, want 5", off)
	}
}

func TestHandleNetInfoCopiesMAC(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	rt := &Runtime{Mem: mem, Net: &fakeNet{mac: "52:54:00:12:34:56"}}

	if err := rt.handleNetInfo(0x100); err != nil {
		t.Fatal(err)
	}

	b, err := mem.Slice(0x100, 18)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "52:54:00:12:34:56" {
		t.Errorf("mac_str = %q", string(b))
	}
}

func TestHandleNetWriteAndRead(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	mem := guestmem.New(make([]byte, 0x1000))
	copy(mem.Bytes()[0x200:], []byte("packet!!"))
	if err := mem.WriteU64(0x100, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x108, 8); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem, Net: &fakeNet{fd: fds[0]}}
	if err := rt.handleNetWrite(0x100); err != nil {
		t.Fatal(err)
	}

	ret, err := mem.ReadU32(0x110)
	if err != nil {
		t.Fatal(err)
	}
	if int32(ret) != 0 {
		t.Errorf("netwrite ret = %d, want 0", int32(ret))
	}

	readMem := guestmem.New(make([]byte, 0x1000))
	if err := readMem.WriteU64(0x100, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := readMem.WriteU64(0x108, 64); err != nil {
		t.Fatal(err)
	}
	readRt := &Runtime{Mem: readMem, Net: &fakeNet{fd: fds[1]}}
	if err := readRt.handleNetRead(0x100); err != nil {
		t.Fatal(err)
	}

	n, err := readMem.ReadU64(0x108)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Errorf("netread len = %d, want 8", n)
	}
	b, err := readMem.Slice(0x200, 8)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "packet!!" {
		t.Errorf("netread data = %q", b)
	}
}

func TestHandleNetReadEAGAINReturnsMinusOne(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatal(err)
	}

	mem := guestmem.New(make([]byte, 0x1000))
	if err := mem.WriteU64(0x100, 0x200); err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteU64(0x108, 64); err != nil {
		t.Fatal(err)
	}

	rt := &Runtime{Mem: mem, Net: &fakeNet{fd: fds[0]}}
	if err := rt.handleNetRead(0x100); err != nil {
		t.Fatal(err)
	}

	ret, err := mem.ReadU32(0x110)
	if err != nil {
		t.Fatal(err)
	}
	if int32(ret) != -1 {
		t.Errorf("netread ret = %d, want -1", int32(ret))
	}
	n, err := mem.ReadU64(0x108)
	if err != nil {
		t.Fatal(err)
	}
	if n != 64 {
		t.Errorf("netread len field was overwritten to %d on EAGAIN, want untouched (64)", n)
	}
}
