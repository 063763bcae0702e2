// Package config resolves the monitor's environment-variable surface into a
// single immutable value, resolved once before constructing a VM.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-hermit/uhyve/internal/hostutil"
)

// DefaultGuestMemSize is used when HERMIT_MEM is unset, matching uhyve.c's
// static initializer for guest_size.
const DefaultGuestMemSize = 0x20000000

// Config is the monitor's fully-resolved configuration, read once at
// startup. Every field is populated by New and never mutated afterward.
type Config struct {
	// GuestMemSize is the size in bytes of the single guest memory region.
	GuestMemSize uint64
	// CPUCount is the number of vCPUs to create, boot processor included.
	CPUCount int
	// NetIf, if non-empty, names a TAP/tun interface to open as the guest's
	// network back-end.
	NetIf string
	// Verbose, when true, dumps the kernel log ring at exit.
	Verbose bool
	// LogLevel controls the slog handler's minimum level.
	LogLevel string
	// ImagePath is the guest ELF image's filesystem path.
	ImagePath string
}

// New resolves a Config from the process environment and the single
// positional command-line argument (the guest image path): HERMIT_MEM,
// HERMIT_CPUS, HERMIT_NETIF, HERMIT_VERBOSE, and the ambient
// HERMIT_LOG_LEVEL convenience.
func New(imagePath string) (Config, error) {
	cfg := Config{
		GuestMemSize: DefaultGuestMemSize,
		CPUCount:     1,
		LogLevel:     "info",
		ImagePath:    imagePath,
	}

	if s := os.Getenv("HERMIT_MEM"); s != "" {
		size, err := hostutil.ParseSize(s)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid HERMIT_MEM %q: %w", s, err)
		}
		cfg.GuestMemSize = size
	}

	if s := os.Getenv("HERMIT_CPUS"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid HERMIT_CPUS %q: %w", s, err)
		}
		cfg.CPUCount = n
	}

	cfg.NetIf = os.Getenv("HERMIT_NETIF")

	if s := os.Getenv("HERMIT_VERBOSE"); s != "" && s != "0" {
		cfg.Verbose = true
	}

	if s := os.Getenv("HERMIT_LOG_LEVEL"); s != "" {
		cfg.LogLevel = s
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// guestPageSize is the 2 MiB large-page size the identity map uses.
const guestPageSize = 0x200000

// pciHoleBase is the 32-bit PCI hole's base address (3 GiB); guest memory
// must fit entirely below it.
const pciHoleBase = 0xC0000000

// Validate enforces the invariants placed on guest memory: a multiple of
// the 2 MiB page size, no more than 512 PDE entries (1 GiB), and below the
// 32-bit PCI hole base.
func (c Config) Validate() error {
	if c.GuestMemSize == 0 {
		return fmt.Errorf("config: guest memory size must be non-zero")
	}
	if c.GuestMemSize%guestPageSize != 0 {
		return fmt.Errorf("config: guest memory size 0x%x is not a multiple of 2 MiB", c.GuestMemSize)
	}
	if c.GuestMemSize > guestPageSize*512 {
		return fmt.Errorf("config: guest memory size 0x%x exceeds 512 PDE entries (1 GiB)", c.GuestMemSize)
	}
	if c.GuestMemSize >= pciHoleBase {
		return fmt.Errorf("config: guest memory size 0x%x is at or above the PCI hole base 0x%x", c.GuestMemSize, pciHoleBase)
	}
	if c.CPUCount < 1 {
		return fmt.Errorf("config: CPU count must be at least 1, got %d", c.CPUCount)
	}
	if c.ImagePath == "" {
		return fmt.Errorf("config: no guest image path given")
	}
	return nil
}
