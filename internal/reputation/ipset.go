package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultIPSetURL is the published ipset.json.
	DefaultIPSetURL = "https://raw.githubusercontent.com/tn3w/IPSet/refs/heads/master/ipset.json"
	// DefaultIPSetMaxAge is how old the file may get before a refresh.
	DefaultIPSetMaxAge = 7 * 24 * time.Hour

	timestampKey = "_timestamp"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

type groupPrefix struct {
	prefix netip.Prefix
	groups []string
}

// IPSet answers group membership from an ipset.json document:
// {"Group": ["1.2.3.4", "5.6.0.0/16", ...], "_timestamp": "..."}.
type IPSet struct {
	path   string
	url    string
	maxAge time.Duration
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	exact    map[netip.Addr][]string
	prefixes []groupPrefix
	updated  time.Time

	refreshing atomic.Bool
}

// IPSetOption configures an IPSet.
type IPSetOption func(*IPSet)

// WithIPSetURL sets the refresh URL. Empty disables refreshing.
func WithIPSetURL(url string) IPSetOption {
	return func(s *IPSet) { s.url = url }
}

// WithIPSetMaxAge sets the refresh age.
func WithIPSetMaxAge(d time.Duration) IPSetOption {
	return func(s *IPSet) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithIPSetHTTPClient replaces the download client.
func WithIPSetHTTPClient(c *http.Client) IPSetOption {
	return func(s *IPSet) { s.client = c }
}

// WithIPSetLogger sets the logger.
func WithIPSetLogger(l *slog.Logger) IPSetOption {
	return func(s *IPSet) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithIPSetClock replaces time.Now.
func WithIPSetClock(now func() time.Time) IPSetOption {
	return func(s *IPSet) { s.now = now }
}

// OpenIPSet loads path. A missing file leaves the set empty until the first
// refresh.
func OpenIPSet(path string, opts ...IPSetOption) (*IPSet, error) {
	s := &IPSet{
		path:   path,
		maxAge: DefaultIPSetMaxAge,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		exact:  make(map[netip.Addr][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *IPSet) Path() string { return s.path }

func (s *IPSet) Name() string { return "ipset" }

func (s *IPSet) Local() bool { return true }

// Reload re-reads the file. On error the previous data stays active.
func (s *IPSet) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reputation: read ipset: %w", err)
	}
	exact, prefixes, updated, err := parseIPSet(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.exact, s.prefixes, s.updated = exact, prefixes, updated
	s.mu.Unlock()

	s.logger.Info("reputation: ipset loaded",
		"path", s.path, "addresses", len(exact), "prefixes", len(prefixes), "updated", updated)
	return nil
}

func parseIPSet(data []byte) (map[netip.Addr][]string, []groupPrefix, time.Time, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("reputation: parse ipset: %w", err)
	}

	var updated time.Time
	if ts, ok := raw[timestampKey]; ok {
		var s string
		if err := json.Unmarshal(ts, &s); err == nil {
			updated = parseTimestamp(s)
		}
		delete(raw, timestampKey)
	}

	exact := make(map[netip.Addr][]string)
	byPrefix := make(map[netip.Prefix][]string)
	for group, msg := range raw {
		var entries []string
		if err := json.Unmarshal(msg, &entries); err != nil {
			continue
		}
		for _, e := range entries {
			e = strings.TrimSpace(e)
			if strings.Contains(e, "/") {
				p, err := netip.ParsePrefix(e)
				if err != nil {
					continue
				}
				p = p.Masked()
				byPrefix[p] = appendGroup(byPrefix[p], group)
				continue
			}
			addr, err := netip.ParseAddr(e)
			if err != nil {
				continue
			}
			addr = addr.Unmap()
			exact[addr] = appendGroup(exact[addr], group)
		}
	}

	prefixes := make([]groupPrefix, 0, len(byPrefix))
	for p, groups := range byPrefix {
		prefixes = append(prefixes, groupPrefix{prefix: p, groups: groups})
	}
	return exact, prefixes, updated, nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func appendGroup(groups []string, g string) []string {
	if slices.Contains(groups, g) {
		return groups
	}
	return append(groups, g)
}

// Groups returns every group containing addr, exact entries first.
func (s *IPSet) Groups(addr netip.Addr) []string {
	s.maybeRefresh()
	addr = addr.Unmap()

	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := slices.Clone(s.exact[addr])
	for _, gp := range s.prefixes {
		if gp.prefix.Addr().Is4() != addr.Is4() {
			continue
		}
		if gp.prefix.Contains(addr) {
			for _, g := range gp.groups {
				groups = appendGroup(groups, g)
			}
		}
	}
	return groups
}

func (s *IPSet) Lookup(_ context.Context, addr netip.Addr) ([]Label, error) {
	return LabelsFromGroups(s.Groups(addr)), nil
}

// Updated returns the timestamp of the loaded data.
func (s *IPSet) Updated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Stale reports whether the data is older than the refresh age.
func (s *IPSet) Stale() bool {
	updated := s.Updated()
	return updated.IsZero() || s.now().Sub(updated) > s.maxAge
}

// maybeRefresh starts one background refresh when the data is stale.
func (s *IPSet) maybeRefresh() {
	if s.url == "" || !s.Stale() {
		return
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("reputation: ipset refresh failed", "error", err)
		}
	}()
}

// Refresh downloads the ipset, stamps it, writes it to the backing file and
// reloads.
func (s *IPSet) Refresh(ctx context.Context) error {
	if s.url == "" {
		return errors.New("reputation: ipset refresh url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("reputation: build ipset request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("reputation: download ipset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reputation: download ipset: status %d", resp.StatusCode)
	}

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("reputation: decode ipset: %w", err)
	}
	doc[timestampKey] = s.now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("reputation: encode ipset: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("reputation: create ipset directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("reputation: write ipset: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("reputation: replace ipset: %w", err)
	}
	return s.Reload()
}
