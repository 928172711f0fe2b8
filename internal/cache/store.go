package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion tags every persisted layout so a later release can migrate it.
const SchemaVersion = 1

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("cache: unknown backend")

// Entry is one memoised lookup. HashedSubject is a salted one-way hash of the
// subject (see crypt.Hash) and doubles as the entry key, since the random salt
// makes it unique.
type Entry struct {
	HashedSubject string    `json:"hashed_subject"`
	Payload       string    `json:"payload"`
	Encrypted     bool      `json:"encrypted,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists entries grouped by namespace. Implementations must be safe
// for concurrent use; the Cache adds per-namespace serialisation on top.
type Store interface {
	Entries(ctx context.Context, namespace string) ([]Entry, error)
	Append(ctx context.Context, namespace string, e Entry) error
	Remove(ctx context.Context, namespace string, hashedSubjects ...string) error
	Close() error
}

// Flusher is implemented by stores that buffer writes.
type Flusher interface {
	Flush() error
}

// Backend selects a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

// StoreConfig holds the settings needed by Open.
type StoreConfig struct {
	Backend Backend `yaml:"backend"`
	Path    string  `yaml:"path"`
	URL     string  `yaml:"url"`
}

// Open builds the Store described by cfg.
func Open(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenFileStore(cfg.Path)
	case BackendRedis:
		return OpenRedisStore(ctx, cfg.URL)
	case BackendSQLite:
		return OpenSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
