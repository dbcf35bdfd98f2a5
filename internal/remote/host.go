package remote

import (
	"fmt"
	"slices"
)

// Host identifies one machine of the fleet.
type Host struct {
	// Addr is the experiment-network address used for traffic between hosts.
	Addr string
	// Access is the address the remote channel is opened against.
	Access string
	// Alt is the address services bound to a different interface are
	// reachable on.
	Alt string
	// Local is set when Access is a loopback address; commands then run
	// in-process instead of over the remote channel.
	Local bool
}

var loopbackNames = []string{"127.0.0.1", "::1", "localhost"}

// NewHost builds a Host, defaulting Access to addr and Alt to Access.
func NewHost(addr, access, alt string) (*Host, error) {
	if addr == "" {
		return nil, fmt.Errorf("host: experiment address is required")
	}
	if access == "" {
		access = addr
	}
	if alt == "" {
		alt = access
	}
	return &Host{
		Addr:   addr,
		Access: access,
		Alt:    alt,
		Local:  IsLoopback(access),
	}, nil
}

// IsLoopback reports whether addr names the local machine.
func IsLoopback(addr string) bool {
	return slices.Contains(loopbackNames, addr)
}

func (h *Host) String() string {
	if h.Access == h.Addr {
		return h.Addr
	}
	return h.Access + "/" + h.Addr
}
