//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a single ioctl.
func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

// ioctlWithRetry retries on EINTR. KVM_RUN needs its own EINTR handling
// to distinguish a deliberate immediate-exit interruption from a spurious
// signal (see VCPU.Run); this helper is for the setup ioctls where a
// spurious EINTR should simply be retried rather than aborting the boot.
func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

func ioctlInt(fd int, request uint64) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), request, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func getRegs(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegs(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

func getSregs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSregs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func getMPState(vcpuFd int) (kvmMPState, error) {
	var st kvmMPState
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetMPState, uintptr(unsafe.Pointer(&st))); err != nil {
		return kvmMPState{}, err
	}
	return st, nil
}

func setMPState(vcpuFd int, st *kvmMPState) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetMPState, uintptr(unsafe.Pointer(st)))
	return err
}

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	return err
}

func createIRQChip(vmFd int) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmCreateIRQChip, 0)
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetTSSAddr, uintptr(addr))
	return err
}

func createVCPU(vmFd int, id int) (int, error) {
	v, err := ioctlWithRetry(uintptr(vmFd), kvmCreateVCPU, uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// maxCPUIDEntries bounds the KVM_GET_SUPPORTED_CPUID buffer, comfortably
// above the ~100 entries real hosts report.
const maxCPUIDEntries = 255

// rawCPUIDBuffer is a CPUID2 header followed by up to maxCPUIDEntries
// kvmCPUIDEntry2 records, laid out exactly as the kernel expects a
// variable-length kvm_cpuid2 buffer.
type rawCPUIDBuffer struct {
	hdr     kvmCPUID2Header
	entries [maxCPUIDEntries]kvmCPUIDEntry2
}

func getSupportedCPUID(kvmFd int) (*rawCPUIDBuffer, error) {
	buf := &rawCPUIDBuffer{}
	buf.hdr.Nr = maxCPUIDEntries

	if _, err := ioctlWithRetry(uintptr(kvmFd), kvmGetSupportedCPUID, uintptr(unsafe.Pointer(buf))); err != nil {
		return nil, err
	}
	return buf, nil
}

func setCPUID2(vcpuFd int, buf *rawCPUIDBuffer) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetCPUID2, uintptr(unsafe.Pointer(buf)))
	return err
}
