package reputation

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/humanify/server/internal/cache"
)

const (
	DefaultTorZone     = "dnsel.torproject.org"
	DefaultTorResolver = "1.1.1.1:53"

	torExitAnswer = "127.0.0.2"
)

// TorDNSEL asks the Tor exit list DNS service whether an address is an
// exit node. Answers are memoised in the tor namespace.
type TorDNSEL struct {
	zone     string
	resolver string
	client   *dns.Client
	memo     *cache.Memo[bool]
}

// TorOption configures a TorDNSEL.
type TorOption func(*TorDNSEL)

// WithTorResolver sets the DNS server (host:port).
func WithTorResolver(addr string) TorOption {
	return func(t *TorDNSEL) {
		if addr != "" {
			t.resolver = addr
		}
	}
}

// WithTorZone sets the DNSEL zone.
func WithTorZone(zone string) TorOption {
	return func(t *TorDNSEL) {
		if zone != "" {
			t.zone = zone
		}
	}
}

// NewTorDNSEL returns a source backed by c.
func NewTorDNSEL(c *cache.Cache, timeout time.Duration, opts ...TorOption) *TorDNSEL {
	t := &TorDNSEL{
		zone:     DefaultTorZone,
		resolver: DefaultTorResolver,
		client:   &dns.Client{Timeout: timeout},
		memo:     cache.NewMemo[bool](c, cache.Tor),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TorDNSEL) Name() string { return "tor" }

// IsExitNode reports whether addr is a Tor exit. IPv6 addresses are not
// listed by the service and always report false.
func (t *TorDNSEL) IsExitNode(ctx context.Context, addr netip.Addr) (bool, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return false, nil
	}
	return t.memo.Resolve(ctx, addr.String(), func(ctx context.Context) (bool, error) {
		return t.query(ctx, addr)
	})
}

func (t *TorDNSEL) query(ctx context.Context, addr netip.Addr) (bool, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(reverseIPv4(addr)+"."+t.zone), dns.TypeA)
	m.RecursionDesired = true

	r, _, err := t.client.ExchangeContext(ctx, m, t.resolver)
	if err != nil {
		return false, fmt.Errorf("reputation: tor dnsel: %w", asTimeout(err))
	}
	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return false, fmt.Errorf("reputation: tor dnsel: rcode %s", dns.RcodeToString[r.Rcode])
	}
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok && a.A.String() == torExitAnswer {
			return true, nil
		}
	}
	return false, nil
}

func (t *TorDNSEL) Lookup(ctx context.Context, addr netip.Addr) ([]Label, error) {
	exit, err := t.IsExitNode(ctx, addr)
	if err != nil || !exit {
		return nil, err
	}
	return []Label{LabelTorExitNode}, nil
}

func reverseIPv4(addr netip.Addr) string {
	b := addr.As4()
	parts := make([]string, 4)
	for i := range b {
		parts[3-i] = fmt.Sprint(b[i])
	}
	return strings.Join(parts, ".")
}
