// Package decisionlog appends one JSON line per guard decision.
//
// Client addresses and user-agents never reach the log. The fingerprint is
// written as a salted crypt.Hash, so lines about one client cannot be joined
// without already knowing the client.
package decisionlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/humanify/server/internal/crypt"
)

// Entry is one decision.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	Subject     string    `json:"subject"`
	IsBot       bool      `json:"is_bot"`
	Reason      string    `json:"reason,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	Rule        string    `json:"rule,omitempty"`
	Action      string    `json:"action"`
	Path        string    `json:"path,omitempty"`
	LatencyMs   float64   `json:"latency_ms"`
	Cleared     bool      `json:"cleared,omitempty"`
	InvalidAddr bool      `json:"invalid_address,omitempty"`
}

type Config struct {
	// Path is the JSONL file; empty disables the file.
	Path   string
	Stdout bool
}

// Logger is safe for concurrent use. A nil *Logger discards entries.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	now     func() time.Time
}

// New opens the log described by cfg. It returns nil, nil when cfg
// enables no output.
func New(cfg Config) (*Logger, error) {
	var writers []io.Writer
	var file *os.File
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("decisionlog: create directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("decisionlog: open: %w", err)
		}
		file = f
		writers = append(writers, f)
	}
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}
	if len(writers) == 0 {
		return nil, nil
	}
	return NewWriter(io.MultiWriter(writers...), file), nil
}

// NewWriter logs to w. closer, if non-nil, is closed by Close.
func NewWriter(w io.Writer, closer *os.File) *Logger {
	return &Logger{file: closer, encoder: json.NewEncoder(w), now: time.Now}
}

// Record fills in the request id, timestamp and hashed subject, then writes
// e. fingerprint is hashed before it is stored.
func (l *Logger) Record(fingerprint string, e Entry) error {
	if l == nil {
		return nil
	}
	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if fingerprint != "" {
		hashed, err := crypt.Hash(fingerprint, "")
		if err != nil {
			return fmt.Errorf("decisionlog: hash subject: %w", err)
		}
		e.Subject = hashed
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.encoder.Encode(e); err != nil {
		return fmt.Errorf("decisionlog: write: %w", err)
	}
	return nil
}

// Path returns the log file, if any.
func (l *Logger) Path() string {
	if l == nil || l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
