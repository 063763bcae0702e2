package cpusetup

import (
	"testing"

	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/kvm"
)

func TestBuildPageTablesIdentityMaps(t *testing.T) {
	guestSize := uint64(4 * GuestPageSize)
	mem := guestmem.New(make([]byte, guestSize))

	if err := BuildPageTables(mem, guestSize); err != nil {
		t.Fatal(err)
	}

	pml4, err := mem.ReadU64(BootPML4)
	if err != nil {
		t.Fatal(err)
	}
	if pml4&^0xfff != BootPDPTE {
		t.Errorf("PML4 entry points at 0x%x, want 0x%x", pml4&^0xfff, BootPDPTE)
	}

	for i := uint64(0); i < 4; i++ {
		pde, err := mem.ReadU64(BootPDE + i*8)
		if err != nil {
			t.Fatal(err)
		}
		wantPhys := i * GuestPageSize
		if pde&^0x1fffff != wantPhys {
			t.Errorf("PDE[%d] maps 0x%x, want 0x%x", i, pde&^0x1fffff, wantPhys)
		}
		if pde&entryPresent == 0 || pde&entryWritable == 0 || pde&entryPageSize == 0 {
			t.Errorf("PDE[%d] = 0x%x missing expected flags", i, pde)
		}
	}
}

func TestBuildPageTablesRejectsOversizeGuest(t *testing.T) {
	mem := guestmem.New(make([]byte, GuestPageSize*513))
	if err := BuildPageTables(mem, GuestPageSize*513); err == nil {
		t.Fatal("expected error for >512 PDE entries")
	}
}

func TestBuildGDTSegments(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x2000))

	code, data, err := BuildGDT(mem)
	if err != nil {
		t.Fatal(err)
	}

	if code.L != 1 || code.DB != 0 || code.G != 1 {
		t.Errorf("code segment = %+v, want 64-bit code segment", code)
	}
	if data.DB != 1 || data.G != 1 {
		t.Errorf("data segment = %+v, want flat data segment", data)
	}
	if code.Present != 1 || data.Present != 1 {
		t.Error("both segments should be Present")
	}

	nullEntry, _ := mem.ReadU64(BootGDT)
	if nullEntry != 0 {
		t.Errorf("null GDT entry = 0x%x, want 0", nullEntry)
	}
}

func TestFilterCPUID(t *testing.T) {
	in := []kvm.CPUIDEntry{
		{Function: 1, Ecx: 0, Edx: 0},
		{Function: cpuidFuncPerfMon, Eax: 0xfff},
		{Function: 2, Eax: 0x1234},
	}

	out := FilterCPUID(in)

	if out[0].Ecx&cpuidECXHypervisorBit == 0 {
		t.Error("leaf 1 ECX hypervisor bit not set")
	}
	if out[0].Edx&cpuidEDXMSRBit == 0 {
		t.Error("leaf 1 EDX MSR bit not set")
	}
	if out[1].Eax != 0 {
		t.Errorf("perfmon leaf EAX = 0x%x, want 0", out[1].Eax)
	}
	if out[2].Eax != 0x1234 {
		t.Error("unrelated leaf should pass through unmodified")
	}

	// Input must not be mutated.
	if in[0].Ecx != 0 {
		t.Error("FilterCPUID mutated its input slice")
	}
}
