//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is a handle to an opened /dev/kvm control device.
type Device struct {
	fd int
}

// Open opens /dev/kvm close-on-exec and asserts the API version equals 12.
func Open() (*Device, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	version, err := ioctlInt(fd, kvmGetAPIVersion)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmAPIVersion)
	}

	return &Device{fd: fd}, nil
}

// Close closes the underlying /dev/kvm fd.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// FD exposes the raw fd for tests that need it.
func (d *Device) FD() int { return d.fd }

// VCPUMmapSize returns the size the per-vCPU kvm_run mapping needs, via
// KVM_GET_VCPU_MMAP_SIZE.
func (d *Device) VCPUMmapSize() (int, error) {
	size, err := ioctlInt(d.fd, kvmGetVCPUMmapSize)
	if err != nil {
		return 0, fmt.Errorf("kvm: get vCPU mmap size: %w", err)
	}
	return size, nil
}

// CPUIDEntry is the exported, trimmed view of a single CPUID leaf: function
// number, sub-leaf index, and the four result registers. FilterCPUID in
// internal/cpusetup operates on slices of this type.
type CPUIDEntry struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
}

// SupportedCPUID returns the host's supported CPUID leaf list via
// KVM_GET_SUPPORTED_CPUID.
func (d *Device) SupportedCPUID() ([]CPUIDEntry, error) {
	raw, err := getSupportedCPUID(d.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	entries := make([]CPUIDEntry, raw.hdr.Nr)
	for i := range entries {
		e := raw.entries[i]
		entries[i] = CPUIDEntry{
			Function: e.Function,
			Index:    e.Index,
			Flags:    e.Flags,
			Eax:      e.Eax,
			Ebx:      e.Ebx,
			Ecx:      e.Ecx,
			Edx:      e.Edx,
		}
	}
	return entries, nil
}

// CreateVM creates a new VM via KVM_CREATE_VM.
func (d *Device) CreateVM() (*VM, error) {
	v, err := ioctlInt(d.fd, kvmCreateVM)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}
	return &VM{fd: v, dev: d}, nil
}

// VM is a handle to a created KVM virtual machine.
type VM struct {
	fd  int
	dev *Device
}

// FD exposes the raw VM fd.
func (v *VM) FD() int { return v.fd }

// RegisterMemory registers hostMem (a single MAP_SHARED|MAP_ANONYMOUS
// mapping) as memory slot 0 at guest physical base 0.
func (v *VM) RegisterMemory(hostMem []byte) error {
	if len(hostMem) == 0 {
		return fmt.Errorf("kvm: RegisterMemory with empty region")
	}
	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(hostMem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&hostMem[0]))),
	}
	if err := setUserMemoryRegion(v.fd, &region); err != nil {
		return fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// CreateIRQChip creates the in-kernel interrupt controller.
func (v *VM) CreateIRQChip() error {
	if err := createIRQChip(v.fd); err != nil {
		return fmt.Errorf("kvm: KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// SetTSSAddr sets the guest TSS address KVM needs for real-mode emulation
// bookkeeping, matching every amd64 KVM monitor's archVMInit step.
func (v *VM) SetTSSAddr(addr uint64) error {
	if err := setTSSAddr(v.fd, addr); err != nil {
		return fmt.Errorf("kvm: KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// CreateVCPU creates vCPU id and maps its run-state page, sized via
// KVM_GET_VCPU_MMAP_SIZE.
func (v *VM) CreateVCPU(id int) (*VCPU, error) {
	fd, err := createVCPU(v.fd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}

	mmapSize, err := v.dev.VCPUMmapSize()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	run, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d run page: %w", id, err)
	}

	return &VCPU{id: id, fd: fd, run: run, vm: v}, nil
}

// Close closes the VM fd.
func (v *VM) Close() error {
	if v.fd < 0 {
		return nil
	}
	err := unix.Close(v.fd)
	v.fd = -1
	return err
}
