//go:build linux

// Package vcpu runs a single vCPU's KVM_RUN exit-dispatch loop and executes
// the hypercalls it receives.
package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/hypercall"
	"github.com/go-hermit/uhyve/internal/kvm"
)

// NetBackend is the network back-end's view as seen from a hypercall
// handler: a raw fd to read/write packets on, and the MAC string NETINFO
// reports. internal/netif.Backend implements this.
type NetBackend interface {
	FD() int
	MACString() string
}

// Runtime ties one kvm.VCPU to the guest memory region and (optionally) a
// network back-end it services hypercalls against.
type Runtime struct {
	VCPU *kvm.VCPU
	Mem  *guestmem.Region
	Net  NetBackend
}

// ioDirOut is KVM_EXIT_IO's direction value for a guest OUT instruction;
// every hypercall port in this ABI is addressed by OUT, never IN.
const ioDirOut = 1

// Loop runs KVM_RUN until the guest halts, issues an EXIT hypercall, or a
// fatal condition occurs. A non-nil exitStatus means the guest called EXIT
// with that status; a nil exitStatus and nil error means a voluntary HLT.
func (rt *Runtime) Loop() (exitStatus *int32, err error) {
	for {
		reason, err := rt.VCPU.Run()
		if err != nil {
			if errors.Is(err, kvm.ErrInterrupted) {
				return nil, nil
			}
			return nil, err
		}

		switch reason {
		case kvm.ExitHlt:
			return nil, nil

		case kvm.ExitMMIO:
			return nil, fmt.Errorf("vcpu: KVM_EXIT_MMIO, device emulation is not supported")

		case kvm.ExitFailEntry:
			return nil, fmt.Errorf("vcpu: KVM_EXIT_FAIL_ENTRY, hardware_entry_failure_reason=0x%x", rt.VCPU.FailEntryReason())

		case kvm.ExitInternalError:
			return nil, fmt.Errorf("vcpu: KVM_EXIT_INTERNAL_ERROR, suberror=%d", rt.VCPU.InternalErrorSuberror())

		case kvm.ExitShutdown:
			return nil, fmt.Errorf("vcpu: KVM_EXIT_SHUTDOWN")

		case kvm.ExitIO:
			status, err := rt.dispatchIO()
			if err != nil {
				return nil, err
			}
			if status != nil {
				return status, nil
			}
			// no-op: handled, keep looping

		default:
			return nil, fmt.Errorf("vcpu: unexpected exit reason %v", reason)
		}
	}
}

// dispatchIO decodes the current KVM_EXIT_IO event's payload as a guest
// physical address naming a hypercall record, and executes it.
func (rt *Runtime) dispatchIO() (*int32, error) {
	io := rt.VCPU.IOExit()
	if io.Direction != ioDirOut {
		return nil, fmt.Errorf("vcpu: KVM_EXIT_IO with unexpected direction %d on port 0x%x", io.Direction, io.Port)
	}
	if len(io.Data) < 4 {
		return nil, fmt.Errorf("vcpu: KVM_EXIT_IO payload too short on port 0x%x", io.Port)
	}
	gpa := uint64(binary.LittleEndian.Uint32(io.Data))

	switch io.Port {
	case hypercall.PortWrite:
		return nil, rt.handleWrite(gpa)
	case hypercall.PortOpen:
		return nil, rt.handleOpen(gpa)
	case hypercall.PortClose:
		return nil, rt.handleClose(gpa)
	case hypercall.PortRead:
		return nil, rt.handleRead(gpa)
	case hypercall.PortExit:
		status, err := hypercall.DecodeExitStatus(rt.Mem, gpa)
		if err != nil {
			return nil, err
		}
		return &status, nil
	case hypercall.PortLseek:
		return nil, rt.handleLseek(gpa)
	case hypercall.PortNetInfo:
		return nil, rt.handleNetInfo(gpa)
	case hypercall.PortNetWrite:
		return nil, rt.handleNetWrite(gpa)
	case hypercall.PortNetRead:
		return nil, rt.handleNetRead(gpa)
	default:
		return nil, fmt.Errorf("vcpu: unhandled hypercall port 0x%x", io.Port)
	}
}

func (rt *Runtime) handleWrite(gpa uint64) error {
	req, err := hypercall.DecodeWriteRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	buf, err := rt.Mem.Slice(req.Buf, uint64(req.Len))
	if err != nil {
		return err
	}

	n, werr := unix.Write(int(req.FD), buf)
	if werr != nil {
		n = -1
	}
	return hypercall.EncodeWriteLen(rt.Mem, gpa, int64(n))
}

func (rt *Runtime) handleOpen(gpa uint64) error {
	req, err := hypercall.DecodeOpenRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	path, err := rt.Mem.ReadCString(req.Name)
	if err != nil {
		return err
	}

	fd, operr := unix.Open(path, int(req.Flags), uint32(req.Mode))
	if operr != nil {
		fd = -1
	}
	return hypercall.EncodeOpenRet(rt.Mem, gpa, int32(fd))
}

func (rt *Runtime) handleClose(gpa uint64) error {
	req, err := hypercall.DecodeCloseRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	if req.Ret <= 2 {
		// Guard sentinel: never close stdin/stdout/stderr.
		return nil
	}

	ret := int32(0)
	if cerr := unix.Close(int(req.FD)); cerr != nil {
		ret = -1
	}
	return hypercall.EncodeCloseRet(rt.Mem, gpa, ret)
}

func (rt *Runtime) handleRead(gpa uint64) error {
	req, err := hypercall.DecodeReadRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	buf, err := rt.Mem.Slice(req.Buf, uint64(req.Len))
	if err != nil {
		return err
	}

	n, rerr := unix.Read(int(req.FD), buf)
	if rerr != nil {
		n = -1
	}
	return hypercall.EncodeReadRet(rt.Mem, gpa, int64(n))
}

func (rt *Runtime) handleLseek(gpa uint64) error {
	req, err := hypercall.DecodeLseekRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}

	off, serr := unix.Seek(int(req.FD), req.Offset, int(req.Whence))
	if serr != nil {
		off = -1
	}
	return hypercall.EncodeLseekOffset(rt.Mem, gpa, off)
}

func (rt *Runtime) handleNetInfo(gpa uint64) error {
	mac := ""
	if rt.Net != nil {
		mac = rt.Net.MACString()
	}
	return hypercall.EncodeNetInfoMAC(rt.Mem, gpa, mac)
}

// handleNetWrite writes exactly len bytes to the TAP fd; a short write is
// treated as a fatal assertion failure rather than silently returning a
// partial count.
func (rt *Runtime) handleNetWrite(gpa uint64) error {
	req, err := hypercall.DecodeNetWriteRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	if rt.Net == nil {
		return fmt.Errorf("vcpu: NETWRITE hypercall with no network back-end configured")
	}
	buf, err := rt.Mem.Slice(req.Data, uint64(req.Len))
	if err != nil {
		return err
	}

	n, werr := unix.Write(rt.Net.FD(), buf)
	if werr != nil {
		return fmt.Errorf("vcpu: NETWRITE: %w", werr)
	}
	if int64(n) != req.Len {
		return fmt.Errorf("vcpu: NETWRITE short write: wrote %d of %d bytes", n, req.Len)
	}
	return hypercall.EncodeNetWriteRet(rt.Mem, gpa, 0)
}

func (rt *Runtime) handleNetRead(gpa uint64) error {
	req, err := hypercall.DecodeNetReadRequest(rt.Mem, gpa)
	if err != nil {
		return err
	}
	if rt.Net == nil {
		return fmt.Errorf("vcpu: NETREAD hypercall with no network back-end configured")
	}
	buf, err := rt.Mem.Slice(req.Data, uint64(req.Len))
	if err != nil {
		return err
	}

	n, rerr := unix.Read(rt.Net.FD(), buf)
	if n == 0 || (rerr != nil && rerr == unix.EAGAIN) {
		return hypercall.EncodeNetReadRet(rt.Mem, gpa, -1)
	}
	if rerr != nil {
		return fmt.Errorf("vcpu: NETREAD: %w", rerr)
	}

	if err := hypercall.EncodeNetReadLen(rt.Mem, gpa, int64(n)); err != nil {
		return err
	}
	return hypercall.EncodeNetReadRet(rt.Mem, gpa, 0)
}
