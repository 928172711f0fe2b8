package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/humanify/server/internal/crypt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, store Store) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New(store,
		WithClock(clock.Now),
		WithCipherOptions(crypt.WithIterations(1000)),
	)
	return c, clock
}

func TestCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())

	require.NoError(t, c.Put(ctx, Reputation, "203.0.113.9", []byte(`["TorExitNodes"]`)))

	got, ok := c.Get(ctx, Reputation, "203.0.113.9")
	require.True(t, ok)
	require.Equal(t, `["TorExitNodes"]`, string(got))

	_, ok = c.Get(ctx, Reputation, "203.0.113.10")
	require.False(t, ok)
}

func TestCache_NoPlaintextSubjectAtRest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, _ := newTestCache(t, store)

	require.NoError(t, c.Put(ctx, Geo, "198.51.100.7", []byte(`{"country":"US"}`)))

	entries, err := store.Entries(ctx, Geo.Name)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotContains(t, entries[0].HashedSubject, "198.51.100.7")
	require.NotContains(t, entries[0].Payload, "US")
	require.True(t, entries[0].Encrypted)

	got, ok := c.Get(ctx, Geo, "198.51.100.7")
	require.True(t, ok)
	require.JSONEq(t, `{"country":"US"}`, string(got))
}

func TestCache_TTLBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, clock := newTestCache(t, store)

	require.NoError(t, c.Put(ctx, Tor, "192.0.2.1", []byte("true")))

	clock.Advance(Tor.TTL - time.Second)
	_, ok := c.Get(ctx, Tor, "192.0.2.1")
	require.True(t, ok, "entry must be retrievable just before the TTL")

	clock.Advance(2 * time.Second)
	_, ok = c.Get(ctx, Tor, "192.0.2.1")
	require.False(t, ok, "entry must be absent just after the TTL")

	entries, err := store.Entries(ctx, Tor.Name)
	require.NoError(t, err)
	require.Empty(t, entries, "expired entry must be purged on read")
}

func TestCache_NamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())

	require.NoError(t, c.Put(ctx, Tor, "192.0.2.1", []byte("true")))

	_, ok := c.Get(ctx, Spam, "192.0.2.1")
	require.False(t, ok)
}

func TestCache_NewestEntryWins(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, NewMemoryStore())

	require.NoError(t, c.Put(ctx, Spam, "192.0.2.1", []byte("false")))
	clock.Advance(time.Minute)
	require.NoError(t, c.Put(ctx, Spam, "192.0.2.1", []byte("true")))

	got, ok := c.Get(ctx, Spam, "192.0.2.1")
	require.True(t, ok)
	require.Equal(t, "true", string(got))
}

func TestCache_Delete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, _ := newTestCache(t, store)

	require.NoError(t, c.Put(ctx, Spam, "192.0.2.1", []byte("true")))
	require.NoError(t, c.Put(ctx, Spam, "192.0.2.1", []byte("true")))
	require.NoError(t, c.Put(ctx, Spam, "192.0.2.2", []byte("false")))

	require.NoError(t, c.Delete(ctx, Spam, "192.0.2.1"))

	_, ok := c.Get(ctx, Spam, "192.0.2.1")
	require.False(t, ok)
	_, ok = c.Get(ctx, Spam, "192.0.2.2")
	require.True(t, ok)

	entries, err := store.Entries(ctx, Spam.Name)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCache_Sweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c, clock := newTestCache(t, store)

	require.NoError(t, c.Put(ctx, Geo, "192.0.2.1", []byte("{}")))
	require.NoError(t, c.Put(ctx, Tor, "192.0.2.1", []byte("false")))
	clock.Advance(Geo.TTL + time.Hour)
	require.NoError(t, c.Put(ctx, Tor, "192.0.2.2", []byte("false")))

	removed, err := c.Sweep(ctx, All...)
	require.NoError(t, err)
	require.Equal(t, 1, removed, "only the geo entry is past its 6 day TTL")

	entries, err := store.Entries(ctx, Tor.Name)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestMemo_Resolve(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())
	memo := NewMemo[[]string](c, Reputation)

	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"Datacenter"}, nil
	}

	v, err := memo.Resolve(ctx, "192.0.2.1", fetch)
	require.NoError(t, err)
	require.Equal(t, []string{"Datacenter"}, v)

	v, err = memo.Resolve(ctx, "192.0.2.1", fetch)
	require.NoError(t, err)
	require.Equal(t, []string{"Datacenter"}, v)
	require.Equal(t, 1, calls, "second call must be served from the cache")
}

func TestMemo_ResolveErrorNotCached(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())
	memo := NewMemo[bool](c, Tor)

	boom := errors.New("timeout")
	_, err := memo.Resolve(ctx, "192.0.2.1", func(context.Context) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)

	_, ok := memo.Get(ctx, "192.0.2.1")
	require.False(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Put(ctx, Spam, "192.0.2.1", []byte("true"))
			_, _ = c.Get(ctx, Spam, "192.0.2.1")
		}()
	}
	wg.Wait()

	_, ok := c.Get(ctx, Spam, "192.0.2.1")
	require.True(t, ok)
}

func TestFileStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.json")

	store, err := OpenFileStore(path)
	require.NoError(t, err)
	c, _ := newTestCache(t, store)
	require.NoError(t, c.Put(ctx, Reputation, "192.0.2.1", []byte(`[]`)))
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(data), "192.0.2.1"))
	require.Contains(t, string(data), `"version":1`)

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	c2, _ := newTestCache(t, reopened)
	got, ok := c2.Get(ctx, Reputation, "192.0.2.1")
	require.True(t, ok)
	require.Equal(t, `[]`, string(got))
}

func TestFileStore_RejectsOtherSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"namespaces":{}}`), 0o600))

	_, err := OpenFileStore(path)
	require.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	store, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	c, clock := newTestCache(t, store)

	require.NoError(t, c.Put(ctx, Spam, "192.0.2.1", []byte("true")))
	require.NoError(t, c.Put(ctx, Spam, "192.0.2.2", []byte("false")))

	got, ok := c.Get(ctx, Spam, "192.0.2.1")
	require.True(t, ok)
	require.Equal(t, "true", string(got))

	require.NoError(t, c.Delete(ctx, Spam, "192.0.2.1"))
	_, ok = c.Get(ctx, Spam, "192.0.2.1")
	require.False(t, ok)

	clock.Advance(Spam.TTL + time.Second)
	removed, err := c.Sweep(ctx, Spam)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.NoError(t, c.Close())

	reopened, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	entries, err := reopened.Entries(ctx, Spam.Name)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSQLiteStore_RemoveManySubjects(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	const n = 3*removeBatch + 7
	hashes := make([]string, 0, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		h := fmt.Sprintf("hash-%04d", i)
		hashes = append(hashes, h)
		require.NoError(t, store.Append(ctx, Spam.Name, Entry{HashedSubject: h, Payload: "true", CreatedAt: now}))
	}
	require.NoError(t, store.Append(ctx, Spam.Name, Entry{HashedSubject: "keep", Payload: "false", CreatedAt: now}))

	require.NoError(t, store.Remove(ctx, Spam.Name, hashes...))

	entries, err := store.Entries(ctx, Spam.Name)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep", entries[0].HashedSubject)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()

	store, err := OpenRedisStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()
	store.prefix = "humanify:test:" + t.Name() + ":"

	c, _ := newTestCache(t, store)
	require.NoError(t, c.Put(ctx, Tor, "192.0.2.1", []byte("true")))

	got, ok := c.Get(ctx, Tor, "192.0.2.1")
	require.True(t, ok)
	require.Equal(t, "true", string(got))

	require.NoError(t, c.Delete(ctx, Tor, "192.0.2.1"))
	_, ok = c.Get(ctx, Tor, "192.0.2.1")
	require.False(t, ok)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), StoreConfig{Backend: "etcd"})
	require.ErrorIs(t, err, ErrUnknownBackend)
}
