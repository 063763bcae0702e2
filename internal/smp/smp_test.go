//go:build linux && amd64

package smp

import (
	"testing"
	"time"

	"github.com/go-hermit/uhyve/internal/elfloader"
	"github.com/go-hermit/uhyve/internal/guestmem"
)

func TestPublishCoreCountWritesField(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	c := &Coordinator{mem: mem, mboot: 0}

	if err := c.PublishCoreCount(4); err != nil {
		t.Fatal(err)
	}

	got, err := mem.ReadU32(elfloader.OffCoreCount)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("core count field = %d, want 4", got)
	}
}

func TestPublishCoreCountRejectsZero(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	c := &Coordinator{mem: mem, mboot: 0}

	if err := c.PublishCoreCount(0); err == nil {
		t.Fatal("expected error for zero core count")
	}
}

func TestWaitForGateConverges(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	c := &Coordinator{mem: mem, mboot: 0}

	done := make(chan struct{})
	go func() {
		c.waitForGate(3)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	if err := mem.WriteU32(elfloader.OffSMPGate, 3); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForGate did not converge after the gate was raised")
	}
}

func TestJoinWithNoPeers(t *testing.T) {
	mem := guestmem.New(make([]byte, 0x1000))
	c := &Coordinator{mem: mem, mboot: 0}
	c.SpawnPeers(1) // count=1 means no peers beyond the boot processor

	results := c.Join()
	if len(results) != 0 {
		t.Errorf("Join() = %v, want empty", results)
	}
}
