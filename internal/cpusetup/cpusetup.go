// Package cpusetup builds the identity-mapped page tables, GDT and
// long-mode control registers every vCPU boots with, and filters the
// host's CPUID leaf list before it is handed to a vCPU.
package cpusetup

import (
	"fmt"

	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/kvm"
)

// Fixed low guest-physical addresses for the boot paging structures and
// GDT.
const (
	BootGDT   = 0x1000
	BootPML4  = 0x10000
	BootPDPTE = 0x11000
	BootPDE   = 0x12000
)

// GuestPageSize is the 2 MiB large-page size the identity map uses.
const GuestPageSize = 0x200000

const (
	gdtNull = 0
	gdtCode = 1
	gdtData = 2
	gdtMax  = 3
)

// Page-table entry flag bits, shared by the PML4, PDPTE and PDE entries.
const (
	entryPresent  = 1 << 0
	entryWritable = 1 << 1
	entryPageSize = 1 << 7 // PS bit: 2 MiB page when set at the PDE level
)

// CR0/CR4/EFER bits this monitor sets to enable long mode: paging, PAE,
// and the long-mode-enable bit. Named individually rather than pulling in
// a generic x86 bits package, since only these four are ever touched.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
)

// BuildPageTables writes a single PML4 entry pointing at a single PDPTE
// pointing at one PDE page of 2 MiB large-page entries identity-mapping
// [0, guestSize). guestSize must already satisfy config.Validate's
// invariants (2 MiB multiple, <= 512 entries).
func BuildPageTables(mem *guestmem.Region, guestSize uint64) error {
	if guestSize%GuestPageSize != 0 {
		return fmt.Errorf("cpusetup: guest size 0x%x is not a multiple of 2 MiB", guestSize)
	}
	if guestSize > GuestPageSize*512 {
		return fmt.Errorf("cpusetup: guest size 0x%x exceeds 512 PDE entries", guestSize)
	}

	if err := mem.Zero(BootPML4, 0x1000); err != nil {
		return fmt.Errorf("cpusetup: zero PML4: %w", err)
	}
	if err := mem.Zero(BootPDPTE, 0x1000); err != nil {
		return fmt.Errorf("cpusetup: zero PDPTE: %w", err)
	}
	if err := mem.Zero(BootPDE, 0x1000); err != nil {
		return fmt.Errorf("cpusetup: zero PDE: %w", err)
	}

	if err := mem.WriteU64(BootPML4, BootPDPTE|entryPresent|entryWritable); err != nil {
		return err
	}
	if err := mem.WriteU64(BootPDPTE, BootPDE|entryPresent|entryWritable); err != nil {
		return err
	}

	for paddr := uint64(0); paddr < guestSize; paddr += GuestPageSize {
		pdeOff := BootPDE + (paddr/GuestPageSize)*8
		entry := paddr | entryPresent | entryWritable | entryPageSize
		if err := mem.WriteU64(pdeOff, entry); err != nil {
			return fmt.Errorf("cpusetup: write PDE entry at 0x%x: %w", pdeOff, err)
		}
	}

	return nil
}

// gdtEntry packs flags/base/limit into a raw 8-byte GDT descriptor the way
// uhyve.c's GDT_ENTRY macro does.
func gdtEntry(flags uint16, base uint32, limit uint32) uint64 {
	var e uint64
	e |= uint64(limit & 0xffff)
	e |= uint64(base&0xffffff) << 16
	e |= uint64(flags&0xff) << 40
	e |= uint64((flags>>12)&0xf) << 52
	e |= uint64((limit>>16)&0xf) << 48
	e |= uint64((base >> 24) & 0xff) << 56
	return e
}

// BuildGDT writes the three-entry null/code/data GDT at BootGDT and derives
// the corresponding kvm.Segment values for CS and for the flat data
// segment DS/ES/FS/GS/SS share (code flags 0xA09B, data flags 0xC093,
// limit 0xFFFFF for both).
func BuildGDT(mem *guestmem.Region) (code, data kvm.Segment, err error) {
	if err := mem.WriteU64(BootGDT+gdtNull*8, gdtEntry(0, 0, 0)); err != nil {
		return kvm.Segment{}, kvm.Segment{}, err
	}
	if err := mem.WriteU64(BootGDT+gdtCode*8, gdtEntry(0xA09B, 0, 0xFFFFF)); err != nil {
		return kvm.Segment{}, kvm.Segment{}, err
	}
	if err := mem.WriteU64(BootGDT+gdtData*8, gdtEntry(0xC093, 0, 0xFFFFF)); err != nil {
		return kvm.Segment{}, kvm.Segment{}, err
	}

	code = segmentFromGDTFlags(0xA09B, gdtCode)
	data = segmentFromGDTFlags(0xC093, gdtData)
	return code, data, nil
}

// segmentFromGDTFlags derives a kvm.Segment from a GDT access-flags byte:
// the selector is the GDT index shifted into place, and
// Present/Type/DPL/S/L/DB/G unpack directly from the flag nibble.
func segmentFromGDTFlags(flags uint16, gdtIndex uint16) kvm.Segment {
	return kvm.Segment{
		Base:     0,
		Limit:    0xFFFFF,
		Selector: gdtIndex << 3,
		Type:     uint8(flags & 0xf),
		S:        uint8((flags >> 4) & 1),
		DPL:      uint8((flags >> 5) & 3),
		Present:  uint8((flags >> 7) & 1),
		AVL:      uint8((flags >> 12) & 1),
		L:        uint8((flags >> 13) & 1),
		DB:       uint8((flags >> 14) & 1),
		G:        uint8((flags >> 15) & 1),
	}
}

// GDTLimit is the byte length of the three-entry GDT, minus one (the value
// a descriptor-table-limit field expects).
const GDTLimit = 8*gdtMax - 1

// InitLongMode builds the page tables and GDT in mem, fetches sregs's
// current value from vcpu, and returns the sregs value the boot processor
// publishes for every AP: CR3 pointing at the new PML4, CR4.PAE, CR0.PE|PG,
// EFER.LME, GDT base/limit, and CS/DS/ES/FS/GS/SS set from the new GDT.
// InitLongMode does not call SetSregs itself — the caller applies the
// returned value (and, for the boot processor, caches it for every AP to
// reuse verbatim, since every vCPU boots into an identical long-mode
// environment).
func InitLongMode(vcpu *kvm.VCPU, mem *guestmem.Region, guestSize uint64) (kvm.SRegs, error) {
	if err := BuildPageTables(mem, guestSize); err != nil {
		return kvm.SRegs{}, err
	}

	code, data, err := BuildGDT(mem)
	if err != nil {
		return kvm.SRegs{}, err
	}

	sregs, err := vcpu.GetSregs()
	if err != nil {
		return kvm.SRegs{}, fmt.Errorf("cpusetup: get sregs: %w", err)
	}

	sregs.GDT = kvm.DTable{Base: BootGDT, Limit: GDTLimit}
	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data

	sregs.CR3 = BootPML4
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PG | cr0PE
	sregs.EFER |= eferLME

	return sregs, nil
}

// cpuidFuncBasicFeatures is CPUID leaf 1, the standard feature bits leaf.
const cpuidFuncBasicFeatures = 1

// cpuidFuncPerfMon is the architectural performance-monitoring leaf;
// filtered to all-zero EAX because this monitor never virtualizes the
// performance counters, matching CPUID_FUNC_PERFMON in uhyve.c exactly
// (not a broader function range).
const cpuidFuncPerfMon = 0x0A

const (
	cpuidECXHypervisorBit = 1 << 31
	cpuidEDXMSRBit        = 1 << 5
)

// FilterCPUID rewrites the host-supported CPUID leaf list the way
// filter_cpuid() does: leaf 1 advertises a hypervisor (ECX bit 31) and MSR
// support (EDX bit 5); leaf 0x0A (performance monitoring) has EAX zeroed.
// Every other leaf passes through unmodified. The input slice is not
// mutated; a new slice is returned.
func FilterCPUID(entries []kvm.CPUIDEntry) []kvm.CPUIDEntry {
	out := make([]kvm.CPUIDEntry, len(entries))
	copy(out, entries)

	for i := range out {
		switch out[i].Function {
		case cpuidFuncBasicFeatures:
			out[i].Ecx |= cpuidECXHypervisorBit
			out[i].Edx |= cpuidEDXMSRBit
		case cpuidFuncPerfMon:
			out[i].Eax = 0
		}
	}

	return out
}
