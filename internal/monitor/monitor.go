//go:build linux && amd64

// Package monitor ties the KVM device, the guest memory region, the ELF
// loader, CPU setup, the boot vCPU and the SMP coordinator together into a
// single guest lifecycle: build, run, and tear down in reverse order.
package monitor

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/go-hermit/uhyve/internal/config"
	"github.com/go-hermit/uhyve/internal/cpusetup"
	"github.com/go-hermit/uhyve/internal/elfloader"
	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/kvm"
	"github.com/go-hermit/uhyve/internal/netif"
	"github.com/go-hermit/uhyve/internal/smp"
	"github.com/go-hermit/uhyve/internal/vcpu"
)

// Exit codes a FatalError can carry: a voluntary HLT (0), a guest-supplied
// EXIT status (anything), and a host/monitor fault (1).
const (
	ExitHalt      = 0
	ExitHostFault = 1
)

// FatalError carries a process exit code alongside the underlying error.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// ttsAddr is the guest-physical page KVM_SET_TSS_ADDR reserves for KVM's
// own real-mode emulation bookkeeping. It must not overlap guest RAM or
// any of the fixed low addresses cpusetup uses; guest memory is capped
// below the 3 GiB PCI hole, so a page just under the 4 GiB top is always
// free.
const ttsAddr = 0xfffbd000

// VM is the monitor's VM context: every handle and cached value the boot
// processor and every AP need, created once and read-only thereafter
// except for the per-vCPU state owned by internal/smp.
type VM struct {
	cfg    config.Config
	logger *slog.Logger

	dev     *kvm.Device
	vm      *kvm.VM
	hostMem []byte
	mem     *guestmem.Region
	image   *elfloader.Image

	bootVCPU *kvm.VCPU
	sregs    kvm.SRegs
	cpuid    []kvm.CPUIDEntry

	net         *netif.Backend
	coordinator *smp.Coordinator
}

// Launch builds a VM context from cfg: opens /dev/kvm, creates the VM,
// allocates and registers guest memory, loads the guest ELF, creates and
// initializes the boot vCPU, and (if requested) opens the network
// back-end. It does not start running guest code; call Run for that.
func Launch(cfg config.Config, logger *slog.Logger) (*VM, error) {
	dev, err := kvm.Open()
	if err != nil {
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	logger.Info("opened /dev/kvm")

	vmHandle, err := dev.CreateVM()
	if err != nil {
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	logger.Info("created VM")

	hostMem, err := unix.Mmap(-1, 0, int(cfg.GuestMemSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: fmt.Errorf("monitor: mmap guest memory: %w", err)}
	}
	mem := guestmem.New(hostMem)

	if err := vmHandle.RegisterMemory(hostMem); err != nil {
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	if err := vmHandle.CreateIRQChip(); err != nil {
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	if err := vmHandle.SetTSSAddr(ttsAddr); err != nil {
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}

	image, err := elfloader.Load(cfg.ImagePath, mem, cfg.GuestMemSize)
	if err != nil {
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	logger.Info("loaded guest image", "entry", fmt.Sprintf("0x%x", image.Entry), "mboot", fmt.Sprintf("0x%x", image.MbootBase))

	bootVCPU, err := vmHandle.CreateVCPU(0)
	if err != nil {
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}

	sregs, err := cpusetup.InitLongMode(bootVCPU, mem, cfg.GuestMemSize)
	if err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	if err := bootVCPU.SetSregs(sregs); err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	if err := bootVCPU.SetRegs(kvm.Regs{Rip: image.Entry, Rax: 2, Rbx: 2, Rdx: 0, Rflags: 0x2}); err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}

	supported, err := dev.SupportedCPUID()
	if err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	cpuid := cpusetup.FilterCPUID(supported)
	if err := bootVCPU.SetCPUID(cpuid); err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}
	if err := bootVCPU.EnsureRunnable(); err != nil {
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}

	var net *netif.Backend
	if cfg.NetIf != "" {
		net, err = netif.Open(mem, cfg.NetIf)
		if err != nil {
			bootVCPU.Close()
			unix.Munmap(hostMem)
			vmHandle.Close()
			dev.Close()
			return nil, &FatalError{Code: ExitHostFault, Err: err}
		}
		logger.Info("opened network back-end", "interface", cfg.NetIf, "mac", net.MACString())
	}

	coordinator := smp.New(vmHandle, mem, image.MbootBase, image.Entry, sregs, cpuid, netBackend(net))
	if err := coordinator.PublishCoreCount(cfg.CPUCount); err != nil {
		if net != nil {
			net.Close()
		}
		bootVCPU.Close()
		unix.Munmap(hostMem)
		vmHandle.Close()
		dev.Close()
		return nil, &FatalError{Code: ExitHostFault, Err: err}
	}

	return &VM{
		cfg: cfg, logger: logger,
		dev: dev, vm: vmHandle, hostMem: hostMem, mem: mem, image: image,
		bootVCPU: bootVCPU, sregs: sregs, cpuid: cpuid,
		net: net, coordinator: coordinator,
	}, nil
}

// netBackend adapts a possibly-nil *netif.Backend to the vcpu.NetBackend
// interface: a nil *netif.Backend must become a nil interface value, not a
// non-nil interface wrapping a nil pointer.
func netBackend(b *netif.Backend) vcpu.NetBackend {
	if b == nil {
		return nil
	}
	return b
}

// Run spawns every AP, runs the boot processor's own exit-dispatch loop,
// then interrupts and joins every AP. It returns the process exit status:
// 0 when every vCPU halted, or the first EXIT status seen. Outcomes are
// taken boot processor first, then peers in id order: an error from the
// boot processor, or a peer error seen before any EXIT status, makes Run
// return a *FatalError instead.
func (m *VM) Run() (int, error) {
	m.coordinator.SpawnPeers(m.cfg.CPUCount)

	bootRT := &vcpu.Runtime{VCPU: m.bootVCPU, Mem: m.mem, Net: netBackend(m.net)}
	m.logger.Info("vCPU 0 entering KVM_RUN loop")
	status, err := bootRT.Loop()

	m.coordinator.InterruptAll()
	peerResults := m.coordinator.Join()

	for _, r := range peerResults {
		if r.Err != nil {
			m.logger.Error("vCPU exited with error", "id", r.ID, "error", r.Err)
			if err == nil && status == nil {
				err = r.Err
			}
		} else if r.Status != nil {
			m.logger.Info("vCPU issued EXIT", "id", r.ID, "status", *r.Status)
			if status == nil {
				status = r.Status
			}
		} else {
			m.logger.Info("vCPU halted", "id", r.ID)
		}
	}

	if err != nil {
		return ExitHostFault, &FatalError{Code: ExitHostFault, Err: err}
	}
	if status != nil {
		return int(*status), nil
	}
	m.logger.Info("vCPU 0 halted")
	return ExitHalt, nil
}

// Close tears the VM context down in the order uhyve_exit uses: dump the
// kernel log (if HERMIT_VERBOSE asked for it), then close the vCPU, network,
// VM and KVM handles, then unmap guest memory.
func (m *VM) Close() error {
	if m.cfg.Verbose {
		if s, err := m.mem.ReadCString(m.image.KlogBase); err == nil && s != "" {
			fmt.Println(s)
		}
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(m.bootVCPU.Close())
	if m.net != nil {
		record(m.net.Close())
	}
	record(m.vm.Close())
	record(m.dev.Close())
	record(unix.Munmap(m.hostMem))

	return firstErr
}
