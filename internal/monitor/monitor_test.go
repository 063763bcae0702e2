//go:build linux && amd64

package monitor

import (
	"errors"
	"testing"

	"github.com/go-hermit/uhyve/internal/netif"
)

func TestFatalErrorWrapsUnderlyingError(t *testing.T) {
	base := errors.New("boom")
	fe := &FatalError{Code: ExitHostFault, Err: base}

	if !errors.Is(fe, base) {
		t.Error("FatalError should unwrap to its underlying error")
	}
	if fe.Error() == "" {
		t.Error("Error() should not be empty")
	}
}

func TestNetBackendNilPointerBecomesNilInterface(t *testing.T) {
	var b *netif.Backend
	iface := netBackend(b)
	if iface != nil {
		t.Error("a nil *netif.Backend must become a nil vcpu.NetBackend, not a non-nil interface wrapping nil")
	}
}
