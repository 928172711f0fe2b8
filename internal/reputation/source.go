package reputation

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// Source reports the labels it knows for an address.
type Source interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) ([]Label, error)
}

// LocalSource is implemented by sources that answer from memory. Their
// labels are never memoised, so a reloaded list applies to the next request.
type LocalSource interface {
	Source
	Local() bool
}

func isLocal(s Source) bool {
	l, ok := s.(LocalSource)
	return ok && l.Local()
}

// deniedAddresses are well-known placeholder addresses that never belong to
// a real client.
var deniedAddresses = map[string]bool{
	"127.0.0.1":    true,
	"::1":          true,
	"0.0.0.0":      true,
	"::":           true,
	"192.168.0.1":  true,
	"10.0.0.1":     true,
	"192.0.2.1":    true,
	"198.51.100.1": true,
	"203.0.113.1":  true,
}

// ParseAddress validates a client address.
func ParseAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, ErrInvalidAddress
	}
	addr = addr.Unmap()
	if addr.Zone() != "" || deniedAddresses[addr.String()] {
		return netip.Addr{}, ErrInvalidAddress
	}
	return addr, nil
}

// IsRoutable reports whether addr can be a public client address.
func IsRoutable(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsMulticast() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() &&
		!addr.IsUnspecified()
}

// asTimeout maps deadline and network timeout errors to ErrLookupTimeout.
func asTimeout(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return errors.Join(ErrLookupTimeout, err)
	}
	return err
}
