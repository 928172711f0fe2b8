// Package cache memoises expensive reputation lookups for a bounded time
// without keeping the looked-up subject (a client address) at rest.
//
// Entries are keyed by a salted one-way hash of the subject. Because every
// hash has its own random salt there is no lookup key to index on: Get
// recomputes the hash against each entry of the namespace in turn. Keep
// namespaces small by running the sweeper.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/humanify/server/internal/crypt"
)

// Namespace partitions the cache, one per external source.
type Namespace struct {
	Name string
	TTL  time.Duration
	// Encrypt seals payloads with a key derived from the subject itself, so a
	// leaked store does not reveal results without the original address.
	Encrypt bool
}

// Namespaces used by the reputation sources.
var (
	Reputation = Namespace{Name: "reputation", TTL: 7 * 24 * time.Hour}
	Tor        = Namespace{Name: "tor", TTL: 7 * 24 * time.Hour}
	Spam       = Namespace{Name: "spam", TTL: 7 * 24 * time.Hour}
	Geo        = Namespace{Name: "geo", TTL: 6 * 24 * time.Hour, Encrypt: true}

	All = []Namespace{Reputation, Tor, Spam, Geo}
)

// Cache serialises access per namespace and applies TTLs on read.
type Cache struct {
	store      Store
	now        func() time.Time
	logger     *slog.Logger
	cipherOpts []crypt.Option

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger sets the logger used for swallowed store and crypto errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCipherOptions tunes payload encryption (iterations, salt size).
func WithCipherOptions(opts ...crypt.Option) Option {
	return func(c *Cache) { c.cipherOpts = opts }
}

// New returns a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) lock(namespace string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[namespace]
	if !ok {
		l = &sync.Mutex{}
		c.locks[namespace] = l
	}
	return l
}

// Get returns the payload stored for subject. Matching entries older than the
// namespace TTL are deleted and treated as absent; when several live entries
// match, the newest wins.
func (c *Cache) Get(ctx context.Context, ns Namespace, subject string) ([]byte, bool) {
	l := c.lock(ns.Name)
	l.Lock()
	entry, found, expired := c.find(ctx, ns, subject)
	if len(expired) > 0 {
		if err := c.store.Remove(ctx, ns.Name, expired...); err != nil {
			c.logger.Warn("cache: remove expired entry", "namespace", ns.Name, "error", err)
		}
	}
	l.Unlock()

	if !found {
		return nil, false
	}
	if !entry.Encrypted {
		return []byte(entry.Payload), true
	}

	payload, err := crypt.NewCipher([]byte(subject), c.cipherOpts...).Decrypt(entry.Payload)
	if err != nil {
		c.logger.Warn("cache: undecryptable entry", "namespace", ns.Name, "error", err)
		return nil, false
	}
	return payload, true
}

// Put appends a new entry for subject. Earlier entries for the same subject
// are not overwritten; call Delete first to replace one.
func (c *Cache) Put(ctx context.Context, ns Namespace, subject string, payload []byte) error {
	hashed, err := crypt.Hash(subject, "")
	if err != nil {
		return fmt.Errorf("cache: hash subject: %w", err)
	}

	entry := Entry{HashedSubject: hashed, Payload: string(payload), CreatedAt: c.now()}
	if ns.Encrypt {
		sealed, err := crypt.NewCipher([]byte(subject), c.cipherOpts...).Encrypt(payload)
		if err != nil {
			return fmt.Errorf("cache: encrypt payload: %w", err)
		}
		entry.Payload = sealed
		entry.Encrypted = true
	}

	l := c.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	if err := c.store.Append(ctx, ns.Name, entry); err != nil {
		return fmt.Errorf("cache: append: %w", err)
	}
	return nil
}

// Delete removes every entry stored for subject.
func (c *Cache) Delete(ctx context.Context, ns Namespace, subject string) error {
	l := c.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	entries, err := c.store.Entries(ctx, ns.Name)
	if err != nil {
		return fmt.Errorf("cache: load %s: %w", ns.Name, err)
	}
	var matched []string
	for _, e := range entries {
		if crypt.Compare(subject, e.HashedSubject) {
			matched = append(matched, e.HashedSubject)
		}
	}
	if err := c.store.Remove(ctx, ns.Name, matched...); err != nil {
		return fmt.Errorf("cache: remove: %w", err)
	}
	return nil
}

// Sweep deletes expired entries from the given namespaces and returns how
// many were removed.
func (c *Cache) Sweep(ctx context.Context, namespaces ...Namespace) (int, error) {
	removed := 0
	for _, ns := range namespaces {
		n, err := c.sweep(ctx, ns)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	if f, ok := c.store.(Flusher); ok {
		if err := f.Flush(); err != nil {
			return removed, fmt.Errorf("cache: flush: %w", err)
		}
	}
	return removed, nil
}

func (c *Cache) sweep(ctx context.Context, ns Namespace) (int, error) {
	l := c.lock(ns.Name)
	l.Lock()
	defer l.Unlock()

	entries, err := c.store.Entries(ctx, ns.Name)
	if err != nil {
		return 0, fmt.Errorf("cache: load %s: %w", ns.Name, err)
	}
	var expired []string
	for _, e := range entries {
		if c.expired(ns, e) {
			expired = append(expired, e.HashedSubject)
		}
	}
	if err := c.store.Remove(ctx, ns.Name, expired...); err != nil {
		return 0, fmt.Errorf("cache: remove: %w", err)
	}
	return len(expired), nil
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration, namespaces ...Namespace) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx, namespaces...)
			if err != nil {
				c.logger.Warn("cache: sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Debug("cache: swept expired entries", "removed", n)
			}
		}
	}
}

// Close flushes and closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// find scans the namespace for entries whose hash matches subject. It returns
// the newest live match and the hashes of expired matches. The caller holds
// the namespace lock.
func (c *Cache) find(ctx context.Context, ns Namespace, subject string) (Entry, bool, []string) {
	entries, err := c.store.Entries(ctx, ns.Name)
	if err != nil {
		c.logger.Warn("cache: load namespace", "namespace", ns.Name, "error", err)
		return Entry{}, false, nil
	}

	var (
		live    Entry
		found   bool
		expired []string
	)
	for _, e := range entries {
		if !crypt.Compare(subject, e.HashedSubject) {
			continue
		}
		if c.expired(ns, e) {
			expired = append(expired, e.HashedSubject)
			continue
		}
		if !found || e.CreatedAt.After(live.CreatedAt) {
			live, found = e, true
		}
	}
	return live, found, expired
}

func (c *Cache) expired(ns Namespace, e Entry) bool {
	return c.now().Sub(e.CreatedAt) > ns.TTL
}
