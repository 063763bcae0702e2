//go:build linux && amd64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VCPU is a handle to a single created KVM vCPU: its fd and the mmapped
// run-state page shared with the kernel. Fields live on a value owned by
// the calling thread rather than behind thread-local storage, since each
// vCPU's KVM_RUN loop already runs on its own locked OS thread.
type VCPU struct {
	id  int
	fd  int
	run []byte
	vm  *VM
}

// ID returns the vCPU's logical id (0 is the boot processor).
func (v *VCPU) ID() int { return v.id }

// FD exposes the raw vCPU fd.
func (v *VCPU) FD() int { return v.fd }

func (v *VCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// Regs is the exported view of struct kvm_regs.
type Regs struct {
	Rax, Rbx, Rcx, Rdx       uint64
	Rsi, Rdi, Rsp, Rbp       uint64
	R8, R9, R10, R11         uint64
	R12, R13, R14, R15       uint64
	Rip, Rflags              uint64
}

func (v *VCPU) GetRegs() (Regs, error) {
	r, err := getRegs(v.fd)
	if err != nil {
		return Regs{}, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	return Regs{
		Rax: r.Rax, Rbx: r.Rbx, Rcx: r.Rcx, Rdx: r.Rdx,
		Rsi: r.Rsi, Rdi: r.Rdi, Rsp: r.Rsp, Rbp: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		Rip: r.Rip, Rflags: r.Rflags,
	}, nil
}

func (v *VCPU) SetRegs(regs Regs) error {
	r := kvmRegs{
		Rax: regs.Rax, Rbx: regs.Rbx, Rcx: regs.Rcx, Rdx: regs.Rdx,
		Rsi: regs.Rsi, Rdi: regs.Rdi, Rsp: regs.Rsp, Rbp: regs.Rbp,
		R8: regs.R8, R9: regs.R9, R10: regs.R10, R11: regs.R11,
		R12: regs.R12, R13: regs.R13, R14: regs.R14, R15: regs.R15,
		Rip: regs.Rip, Rflags: regs.Rflags,
	}
	if err := setRegs(v.fd, &r); err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}
	return nil
}

// Segment is the exported view of struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

// DTable is the exported view of struct kvm_dtable (GDT/IDT descriptor).
type DTable struct {
	Base  uint64
	Limit uint16
}

// SRegs is the exported view of struct kvm_sregs: segment registers,
// descriptor tables and control registers.
type SRegs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               DTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
}

func toSegment(s kvmSegment) Segment {
	return Segment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL, DB: s.DB,
		S: s.S, L: s.L, G: s.G, AVL: s.AVL, Unusable: s.Unusable,
	}
}

func fromSegment(s Segment) kvmSegment {
	return kvmSegment{
		Base: s.Base, Limit: s.Limit, Selector: s.Selector,
		Type: s.Type, Present: s.Present, DPL: s.DPL, DB: s.DB,
		S: s.S, L: s.L, G: s.G, AVL: s.AVL, Unusable: s.Unusable,
	}
}

func (v *VCPU) GetSregs() (SRegs, error) {
	s, err := getSregs(v.fd)
	if err != nil {
		return SRegs{}, fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}
	return SRegs{
		CS: toSegment(s.CS), DS: toSegment(s.DS), ES: toSegment(s.ES),
		FS: toSegment(s.FS), GS: toSegment(s.GS), SS: toSegment(s.SS),
		TR: toSegment(s.TR), LDT: toSegment(s.LDT),
		GDT: DTable{Base: s.GDT.Base, Limit: s.GDT.Limit},
		IDT: DTable{Base: s.IDT.Base, Limit: s.IDT.Limit},
		CR0: s.CR0, CR2: s.CR2, CR3: s.CR3, CR4: s.CR4, CR8: s.CR8,
		EFER: s.EFER, ApicBase: s.ApicBase,
	}, nil
}

func (v *VCPU) SetSregs(regs SRegs) error {
	s := kvmSRegs{
		CS: fromSegment(regs.CS), DS: fromSegment(regs.DS), ES: fromSegment(regs.ES),
		FS: fromSegment(regs.FS), GS: fromSegment(regs.GS), SS: fromSegment(regs.SS),
		TR: fromSegment(regs.TR), LDT: fromSegment(regs.LDT),
		GDT: kvmDTable{Base: regs.GDT.Base, Limit: regs.GDT.Limit},
		IDT: kvmDTable{Base: regs.IDT.Base, Limit: regs.IDT.Limit},
		CR0: regs.CR0, CR2: regs.CR2, CR3: regs.CR3, CR4: regs.CR4, CR8: regs.CR8,
		EFER: regs.EFER, ApicBase: regs.ApicBase,
	}
	if err := setSregs(v.fd, &s); err != nil {
		return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// SetCPUID applies the (filtered) supported CPUID leaf list to this vCPU
// via KVM_SET_CPUID2.
func (v *VCPU) SetCPUID(entries []CPUIDEntry) error {
	if len(entries) > maxCPUIDEntries {
		return fmt.Errorf("kvm: %d CPUID entries exceeds max %d", len(entries), maxCPUIDEntries)
	}

	buf := &rawCPUIDBuffer{}
	buf.hdr.Nr = uint32(len(entries))
	for i, e := range entries {
		buf.entries[i] = kvmCPUIDEntry2{
			Function: e.Function, Index: e.Index, Flags: e.Flags,
			Eax: e.Eax, Ebx: e.Ebx, Ecx: e.Ecx, Edx: e.Edx,
		}
	}

	if err := setCPUID2(v.fd, buf); err != nil {
		return fmt.Errorf("kvm: KVM_SET_CPUID2: %w", err)
	}
	return nil
}

// EnsureRunnable forces the vCPU's multiprocessor state to RUNNABLE if it
// is not already, matching vcpu_loop()'s KVM_GET_MP_STATE/KVM_SET_MP_STATE
// pair in uhyve.c.
func (v *VCPU) EnsureRunnable() error {
	st, err := getMPState(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_MP_STATE: %w", err)
	}
	if st.MPState == mpStateRunnable {
		return nil
	}
	st.MPState = mpStateRunnable
	if err := setMPState(v.fd, &st); err != nil {
		return fmt.Errorf("kvm: KVM_SET_MP_STATE: %w", err)
	}
	return nil
}

// ErrEFault is returned by Run when KVM_RUN fails with EFAULT, carrying the
// faulting RIP.
type ErrEFault struct {
	RIP uint64
}

func (e *ErrEFault) Error() string {
	return fmt.Sprintf("kvm: host/guest translation fault at rip=0x%x", e.RIP)
}

// IOExit describes a KVM_EXIT_IO event: the port, direction (0=in,
// 1=out) and the payload slice within the run page.
type IOExit struct {
	Port      uint16
	Direction uint8
	Data      []byte
}

// ErrInterrupted is returned by Run when a concurrent RequestImmediateExit
// interrupted a blocked KVM_RUN. The caller should stop calling Run, not
// retry it — retrying would simply block again.
var ErrInterrupted = errors.New("kvm: KVM_RUN interrupted by RequestImmediateExit")

// Run executes KVM_RUN once, retrying transparently on EINTR unless a
// concurrent RequestImmediateExit is pending, and classifies the result. It
// returns the exit reason plus exit-specific detail accessible through
// IOExit/InternalErrorSuberror/FailEntryReason.
func (v *VCPU) Run() (ExitReason, error) {
	run := v.runData()
	run.immediateExit = 0

	for {
		_, err := ioctl(uintptr(v.fd), kvmRun, 0)
		if err == nil {
			break
		}
		if errors.Is(err, unix.EINTR) {
			if run.immediateExit != 0 {
				return ExitUnknown, ErrInterrupted
			}
			continue
		}
		if errors.Is(err, unix.EFAULT) {
			regs, regErr := v.GetRegs()
			if regErr != nil {
				return ExitUnknown, fmt.Errorf("kvm: KVM_RUN EFAULT, and KVM_GET_REGS also failed: %w", regErr)
			}
			return ExitUnknown, &ErrEFault{RIP: regs.Rip}
		}
		return ExitUnknown, fmt.Errorf("kvm: KVM_RUN: %w", err)
	}

	return ExitReason(run.exitReason), nil
}

// IOExit decodes the current run page as a KVM_EXIT_IO event. Call only
// after Run returned ExitIO.
func (v *VCPU) IOExit() IOExit {
	run := v.runData()
	io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
	size := uint64(io.Size) * uint64(io.Count)
	return IOExit{
		Port:      io.Port,
		Direction: io.Direction,
		Data:      v.run[io.DataOffset : io.DataOffset+size],
	}
}

// InternalErrorSuberror decodes the current run page as a
// KVM_EXIT_INTERNAL_ERROR event. Call only after Run returned
// ExitInternalError.
func (v *VCPU) InternalErrorSuberror() uint32 {
	run := v.runData()
	ie := (*kvmInternalError)(unsafe.Pointer(&run.anon0[0]))
	return ie.Suberror
}

// FailEntryReason decodes the current run page as a KVM_EXIT_FAIL_ENTRY
// event's hardware_entry_failure_reason. Call only after Run returned
// ExitFailEntry.
func (v *VCPU) FailEntryReason() uint64 {
	run := v.runData()
	return *(*uint64)(unsafe.Pointer(&run.anon0[0]))
}

// RequestImmediateExit sets immediate_exit in the run page and sends
// SIGUSR1 to tid, causing a blocked KVM_RUN to return EINTR promptly.
func (v *VCPU) RequestImmediateExit(tid int) error {
	run := v.runData()
	run.immediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}
	return nil
}

// Close unmaps the run page and closes the vCPU fd.
func (v *VCPU) Close() error {
	if v.run != nil {
		if err := unix.Munmap(v.run); err != nil {
			return fmt.Errorf("kvm: munmap vCPU %d run page: %w", v.id, err)
		}
		v.run = nil
	}
	if v.fd >= 0 {
		if err := unix.Close(v.fd); err != nil {
			return fmt.Errorf("kvm: close vCPU %d fd: %w", v.id, err)
		}
		v.fd = -1
	}
	return nil
}
