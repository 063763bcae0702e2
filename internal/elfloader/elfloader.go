// Package elfloader validates and stages a HermitCore-tagged ELF64
// executable into guest physical memory, and writes the fixed-offset
// boot-info header the guest reads during early bring-up.
package elfloader

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/hostutil"
)

// HermitELFOSABI is the ELF OS/ABI octet (e_ident[EI_OSABI]) HermitCore
// unikernel images carry. original_source's header defining
// HERMIT_ELFOSABI was not retrieved with the rest of the pack; this is the
// publicly documented HermitCore value, named here rather than inlined so a
// future reader with the header can correct it in one place.
const HermitELFOSABI = 0x42

// Boot-info field offsets, relative to the first PT_LOAD segment's base
// (the "mboot" anchor in uhyve.c). OffSMPGate, OffAPICID and OffCoreCount
// are exported because internal/smp reads and writes them directly during
// the AP bring-up handshake.
const (
	offPhysStart  = 0x08
	offPhysLimit  = 0x10
	offCPUFreqMHz = 0x18
	OffSMPGate    = 0x20
	OffCoreCount  = 0x24
	OffAPICID     = 0x30
	offFileSize   = 0x38
	offNumaNodes  = 0x60
	offMonitor    = 0x94

	// klogOffset is the offset of the kernel-log ring relative to mboot.
	klogOffset = 0x5000
)

// Image describes a loaded guest ELF: its entry point and the anchors the
// rest of the monitor needs into guest memory.
type Image struct {
	// Entry is the ELF entry point, used to initialize the boot vCPU's RIP.
	Entry uint64
	// MbootBase is the guest physical address of the first loaded segment,
	// which doubles as the boot-info header's base address.
	MbootBase uint64
	// KlogBase is the guest physical address of the kernel-log ring
	// (MbootBase + 0x5000).
	KlogBase uint64
}

// Load validates the ELF at path, stages every PT_LOAD segment into mem at
// its p_paddr, and initializes the boot-info header on the first such
// segment. guestSize is recorded into the header's physical-limit field.
func Load(path string, mem *guestmem.Region, guestSize uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfloader: open %s: %w", path, err)
	}
	defer f.Close()

	fd := int(f.Fd())

	var hdr [64]byte
	if _, err := hostutil.PreadFull(fd, hdr[:], 0); err != nil {
		return nil, fmt.Errorf("elfloader: read ELF header: %w", err)
	}

	if err := validateIdent(hdr[:]); err != nil {
		return nil, err
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("elfloader: parse ELF: %w", err)
	}

	if ef.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("elfloader: not an executable ELF (e_type=%v)", ef.Type)
	}
	if ef.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("elfloader: unsupported machine %v, want x86-64", ef.Machine)
	}

	img := &Image{Entry: ef.Entry}

	first := true
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		buf := make([]byte, prog.Filesz)
		if _, err := hostutil.PreadFull(fd, buf, int64(prog.Off)); err != nil {
			return nil, fmt.Errorf("elfloader: read segment at 0x%x: %w", prog.Paddr, err)
		}

		if err := mem.WriteBytes(prog.Paddr, buf); err != nil {
			return nil, fmt.Errorf("elfloader: stage segment at 0x%x: %w", prog.Paddr, err)
		}

		tailLen := prog.Memsz - prog.Filesz
		if tailLen > 0 {
			if err := mem.Zero(prog.Paddr+prog.Filesz, tailLen); err != nil {
				return nil, fmt.Errorf("elfloader: zero-fill segment tail at 0x%x: %w", prog.Paddr, err)
			}
		}

		if first {
			first = false

			img.MbootBase = prog.Paddr
			img.KlogBase = prog.Paddr + klogOffset

			if err := writeBootInfo(mem, prog.Paddr, guestSize, prog.Filesz); err != nil {
				return nil, fmt.Errorf("elfloader: write boot-info header: %w", err)
			}
		}
	}

	if first {
		return nil, fmt.Errorf("elfloader: image has no PT_LOAD segments")
	}

	return img, nil
}

func validateIdent(hdr []byte) error {
	if len(hdr) < 20 {
		return fmt.Errorf("elfloader: ELF header truncated")
	}
	const (
		eiMag0 = 0
		eiMag1 = 1
		eiMag2 = 2
		eiMag3 = 3
	)
	if hdr[eiMag0] != 0x7f || hdr[eiMag1] != 'E' || hdr[eiMag2] != 'L' || hdr[eiMag3] != 'F' {
		return fmt.Errorf("elfloader: invalid ELF magic")
	}
	if hdr[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
		return fmt.Errorf("elfloader: not an ELF64 file")
	}
	if hdr[elf.EI_OSABI] != HermitELFOSABI {
		return fmt.Errorf("elfloader: unsupported OS/ABI 0x%x, want 0x%x (HermitCore)", hdr[elf.EI_OSABI], HermitELFOSABI)
	}
	return nil
}

// writeBootInfo initializes the fixed-offset fields of the boot-info header
// at mbootBase with the values expected for a freshly-booted single-CPU
// guest: one online core, APIC id 0, one NUMA node, the monitor-present
// marker set.
func writeBootInfo(mem *guestmem.Region, mbootBase, guestSize uint64, filesz uint64) error {
	writes := []struct {
		off uint64
		fn  func() error
	}{
		{offPhysStart, func() error { return mem.WriteU64(mbootBase+offPhysStart, mbootBase) }},
		{offPhysLimit, func() error { return mem.WriteU64(mbootBase+offPhysLimit, guestSize) }},
		{offCPUFreqMHz, func() error { return mem.WriteU32(mbootBase+offCPUFreqMHz, hostutil.CPUFrequencyMHz()) }},
		{OffCoreCount, func() error { return mem.WriteU32(mbootBase+OffCoreCount, 1) }},
		{OffAPICID, func() error { return mem.WriteU32(mbootBase+OffAPICID, 0) }},
		{offFileSize, func() error { return mem.WriteU64(mbootBase+offFileSize, filesz) }},
		{offNumaNodes, func() error { return mem.WriteU32(mbootBase+offNumaNodes, 1) }},
		{offMonitor, func() error { return mem.WriteU32(mbootBase+offMonitor, 1) }},
	}

	for _, w := range writes {
		if err := w.fn(); err != nil {
			return fmt.Errorf("field at offset 0x%x: %w", w.off, err)
		}
	}

	// The SMP-gate counter starts at 0; the boot processor does not wait on
	// it, only APs do, so this write exists purely to document the initial
	// state rather than to satisfy a reader.
	return mem.WriteU32(mbootBase+OffSMPGate, 0)
}
