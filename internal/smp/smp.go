//go:build linux && amd64

// Package smp coordinates additional vCPU threads: it publishes the
// configured core count into the boot-info header, spins up one
// goroutine-backed OS thread per extra vCPU, performs the SMP-gate
// handshake each waits on before entering long mode, and routes the
// teardown signal to every peer.
package smp

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/go-hermit/uhyve/internal/elfloader"
	"github.com/go-hermit/uhyve/internal/guestmem"
	"github.com/go-hermit/uhyve/internal/kvm"
	"github.com/go-hermit/uhyve/internal/vcpu"
)

// Result is a peer vCPU thread's outcome, sent once the thread's loop
// returns for any reason.
type Result struct {
	ID     int
	Status *int32
	Err    error
}

// peer tracks one spawned vCPU thread: its KVM handle (created once the
// thread's own spin-wait completes) and the OS thread id RequestImmediateExit
// needs to interrupt it.
type peer struct {
	id   int
	vcpu *kvm.VCPU

	mu  sync.Mutex
	tid int // 0 until the thread records it
}

// Coordinator owns every peer vCPU thread beyond the boot processor (vCPU
// 0, which the caller runs on its own goroutine/thread, not through this
// package).
type Coordinator struct {
	vm    *kvm.VM
	mem   *guestmem.Region
	mboot uint64
	entry uint64
	sregs kvm.SRegs
	cpuid []kvm.CPUIDEntry
	net   vcpu.NetBackend

	peers   []*peer
	results chan Result
}

// New builds a coordinator for a VM whose boot processor has already
// completed its own long-mode setup: sregs is the boot processor's cached
// long-mode sregs value, reused verbatim by every AP.
func New(vm *kvm.VM, mem *guestmem.Region, mbootBase, entry uint64, sregs kvm.SRegs, cpuid []kvm.CPUIDEntry, net vcpu.NetBackend) *Coordinator {
	return &Coordinator{
		vm:    vm,
		mem:   mem,
		mboot: mbootBase,
		entry: entry,
		sregs: sregs,
		cpuid: cpuid,
		net:   net,
	}
}

// PublishCoreCount writes count to the boot-info core-count field. count
// includes the boot processor; it must be at least 1.
func (c *Coordinator) PublishCoreCount(count int) error {
	if count < 1 {
		return fmt.Errorf("smp: core count must be at least 1, got %d", count)
	}
	return c.mem.WriteU32(c.mboot+elfloader.OffCoreCount, uint32(count))
}

// SpawnPeers starts one goroutine per additional vCPU (ids 1..count-1),
// each locked to its own OS thread for the lifetime of its KVM_RUN loop.
// Results are delivered on the channel Results returns.
func (c *Coordinator) SpawnPeers(count int) {
	c.results = make(chan Result, count-1)
	c.peers = make([]*peer, 0, count-1)

	for id := 1; id < count; id++ {
		p := &peer{id: id}
		c.peers = append(c.peers, p)
		go c.runPeer(p)
	}
}

// runPeer is a single AP's thread body: the SMP-gate spin-wait, vCPU
// creation and register initialization, then the ordinary exit-dispatch
// loop.
func (c *Coordinator) runPeer(p *peer) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	p.mu.Lock()
	p.tid = unix.Gettid()
	p.mu.Unlock()

	c.waitForGate(p.id)

	if err := c.mem.WriteU32(c.mboot+elfloader.OffAPICID, uint32(p.id)); err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: record apic id: %w", p.id, err)}
		return
	}

	vc, err := c.vm.CreateVCPU(p.id)
	if err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: create vCPU: %w", p.id, err)}
		return
	}
	p.vcpu = vc

	if err := vc.SetSregs(c.sregs); err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: set sregs: %w", p.id, err)}
		return
	}
	if err := vc.SetRegs(kvm.Regs{Rip: c.entry, Rax: 2, Rbx: 2, Rdx: 0, Rflags: 0x2}); err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: set regs: %w", p.id, err)}
		return
	}
	if err := vc.SetCPUID(c.cpuid); err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: set cpuid: %w", p.id, err)}
		return
	}
	if err := vc.EnsureRunnable(); err != nil {
		c.results <- Result{ID: p.id, Err: fmt.Errorf("smp: AP %d: ensure runnable: %w", p.id, err)}
		return
	}

	rt := &vcpu.Runtime{VCPU: vc, Mem: c.mem, Net: c.net}
	status, err := rt.Loop()
	c.results <- Result{ID: p.id, Status: status, Err: err}
}

// waitForGate spins on the boot-info SMP-gate counter until it is at
// least id, establishing the ordering relation with the guest's own AP
// bring-up handshake. runtime.Gosched lets other goroutines make progress
// on the same OS thread pool while waiting.
func (c *Coordinator) waitForGate(id int) {
	for {
		gate, err := c.mem.ReadU32(c.mboot + elfloader.OffSMPGate)
		if err == nil && gate >= uint32(id) {
			return
		}
		runtime.Gosched()
	}
}

// Results returns the channel every peer's Result is delivered on exactly
// once. Callers must drain exactly len(peers) values.
func (c *Coordinator) Results() <-chan Result {
	return c.results
}

// InterruptAll requests every peer whose vCPU has been created to exit its
// KVM_RUN loop immediately, the Go equivalent of uhyve_exit's per-thread
// SIGTERM in uhyve.c.
func (c *Coordinator) InterruptAll() {
	for _, p := range c.peers {
		p.mu.Lock()
		tid, vc := p.tid, p.vcpu
		p.mu.Unlock()
		if vc == nil || tid == 0 {
			continue
		}
		vc.RequestImmediateExit(tid)
	}
}

// Join blocks until every spawned peer has sent its Result, returning them
// in id order.
func (c *Coordinator) Join() []Result {
	results := make([]Result, len(c.peers))
	seen := 0
	for seen < len(c.peers) {
		r := <-c.results
		results[r.ID-1] = r
		seen++
	}
	return results
}
