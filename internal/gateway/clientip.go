package gateway

import (
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/humanify/server/internal/reputation"
)

// ClientAddress returns the client address of r. The peer address is used
// unless it is loopback, in which case the trusted forwarding headers are
// searched for a routable address, IPv4 first. It returns "" when nothing
// usable is found.
func ClientAddress(r *http.Request, trustedHeaders []string) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if host != "" && host != "127.0.0.1" && host != "::1" {
		return host
	}

	var v6 string
	for _, header := range trustedHeaders {
		for _, value := range r.Header.Values(header) {
			for _, candidate := range strings.Split(value, ",") {
				addr, ok := parseForwarded(candidate)
				if !ok || !reputation.IsRoutable(addr) {
					continue
				}
				if addr.Is4() {
					return addr.String()
				}
				if v6 == "" {
					v6 = addr.String()
				}
			}
		}
	}
	return v6
}

// parseForwarded reads one forwarded address, which may carry brackets or
// an IPv4 port.
func parseForwarded(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return netip.Addr{}, false
		}
		s = s[1:end]
	case strings.Count(s, ":") == 1:
		s, _, _ = strings.Cut(s, ":")
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ReturnURL sanitises a post-challenge redirect target. Only same-site
// paths are honoured; anything naming a scheme or host becomes "/".
func ReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n\t") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "/"
	}
	if strings.Count(raw, "?") == 1 {
		raw = strings.Trim(raw, "?")
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}
