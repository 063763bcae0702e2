//go:build linux

// Package netif opens the TAP/tun network back-end hypercalls NETWRITE,
// NETREAD and NETINFO proxy against. golang.org/x/sys/unix does not expose
// a tap-open helper, so the TUNSETIFF ioctl sequence below is hand-declared
// the same way internal/kvm hand-declares UAPI structs the package doesn't
// cover.
package netif

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/go-hermit/uhyve/internal/guestmem"
)

// tunDevice is the /dev/net/tun character device every TAP/tun interface
// is instantiated through.
const tunDevice = "/dev/net/tun"

// ioctl request codes from <linux/if_tun.h> and <linux/sockios.h>, not
// exposed by golang.org/x/sys/unix on every platform it builds for.
const (
	tunsetiff     = 0x400454ca
	siocgifhwaddr = 0x8927
)

const ifreqSize = 40

// Backend is an opened TAP interface: its fd (set non-blocking, so NETREAD
// on an empty queue reports EAGAIN rather than stalling the vCPU thread)
// and the MAC address string NETINFO reports to the guest.
type Backend struct {
	fd  int
	mac string
}

// Open creates or attaches to the named TAP interface and reads back its
// hardware address. mem is accepted, unused beyond a guard against a nil
// region, to keep the call site symmetric with the rest of this monitor's
// setup functions, which all take the guest memory region they operate
// against.
func Open(mem *guestmem.Region, name string) (*Backend, error) {
	if mem == nil {
		return nil, fmt.Errorf("netif: Open called with nil guest memory region")
	}

	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netif: open %s: %w", tunDevice, err)
	}

	req := make([]byte, ifreqSize)
	copy(req, name)
	flags := int16(unix.IFF_TAP | unix.IFF_NO_PI)
	*(*int16)(unsafe.Pointer(&req[unix.IFNAMSIZ])) = flags

	if err := ioctl(fd, tunsetiff, &req[0]); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netif: TUNSETIFF %s: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netif: set %s non-blocking: %w", name, err)
	}

	mac, err := hwAddr(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Backend{fd: fd, mac: mac}, nil
}

// FD returns the TAP device's raw file descriptor.
func (b *Backend) FD() int { return b.fd }

// MACString returns the colon-separated hex MAC address string NETINFO
// copies into the guest's 18-byte record.
func (b *Backend) MACString() string { return b.mac }

// Close closes the TAP fd.
func (b *Backend) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// hwAddr queries the named interface's MAC address via SIOCGIFHWADDR on a
// throwaway AF_INET datagram socket, formatting it the way a standard
// "aa:bb:cc:dd:ee:ff" MAC string prints.
func hwAddr(name string) (string, error) {
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return "", fmt.Errorf("netif: open control socket: %w", err)
	}
	defer unix.Close(sock)

	req := make([]byte, ifreqSize)
	copy(req, name)

	if err := ioctl(sock, siocgifhwaddr, &req[0]); err != nil {
		return "", fmt.Errorf("netif: SIOCGIFHWADDR %s: %w", name, err)
	}

	// sockaddr starts right after ifr_name; sa_family (2 bytes) is followed
	// by 6 bytes of hardware address.
	addr := req[unix.IFNAMSIZ+2 : unix.IFNAMSIZ+8]
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5]), nil
}

func ioctl(fd int, req uintptr, arg *byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return errno
	}
	return nil
}
