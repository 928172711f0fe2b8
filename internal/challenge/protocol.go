// Package challenge implements the stateless challenge and clearance tokens.
//
// A challenge token carries the expected answer to a CAPTCHA, a clearance
// token proves that one was solved. Both are sealed under the server secret
// and bound to the client fingerprint; the server keeps no record of them.
package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/humanify/server/internal/crypt"
)

const (
	// DefaultChallengeTTL is how long a challenge may be answered.
	DefaultChallengeTTL = 600 * time.Second
	// DefaultClearanceTTL is how long a solved challenge exempts a client.
	DefaultClearanceTTL = 14400 * time.Second

	// clockSkew tolerates tokens minted by a peer whose clock runs ahead.
	clockSkew = 30 * time.Second
)

// Failures fall into three categories. Wrapped errors carry the detail for
// logs; clients only ever see Message(err).
var (
	ErrInvalidToken   = errors.New("challenge: invalid token")
	ErrWrongSelection = errors.New("challenge: wrong selection")
	ErrWrongResponse  = errors.New("challenge: wrong response")
)

// User-visible messages. No other text is reflected to clients.
const (
	MessageInvalidToken   = "Invalid captcha token"
	MessageWrongSelection = "Wrong selection. Try again."
	MessageWrongResponse  = "Wrong response. Try again."
)

// Message maps a verification error to its user-visible message.
func Message(err error) string {
	switch {
	case errors.Is(err, ErrWrongSelection):
		return MessageWrongSelection
	case errors.Is(err, ErrWrongResponse):
		return MessageWrongResponse
	default:
		return MessageInvalidToken
	}
}

// IsMessage reports whether s is one of the user-visible messages.
func IsMessage(s string) bool {
	return s == MessageInvalidToken || s == MessageWrongSelection || s == MessageWrongResponse
}

// Protocol issues and verifies tokens. It is safe for concurrent use.
type Protocol struct {
	cipher       *crypt.Cipher
	cipherOpts   []crypt.Option
	challengeTTL time.Duration
	clearanceTTL time.Duration
	now          func() time.Time
	rand         io.Reader
	logger       *slog.Logger
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithChallengeTTL overrides DefaultChallengeTTL.
func WithChallengeTTL(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.challengeTTL = d
		}
	}
}

// WithClearanceTTL overrides DefaultClearanceTTL.
func WithClearanceTTL(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.clearanceTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithCipherOptions tunes the token cipher. Every instance sharing a secret
// must use the same options.
func WithCipherOptions(opts ...crypt.Option) Option {
	return func(p *Protocol) { p.cipherOpts = append(p.cipherOpts, opts...) }
}

// WithLogger sets the logger for rejected tokens.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}

// New returns a Protocol sealing tokens under secret.
func New(secret []byte, opts ...Option) *Protocol {
	p := &Protocol{
		challengeTTL: DefaultChallengeTTL,
		clearanceTTL: DefaultClearanceTTL,
		now:          time.Now,
		rand:         rand.Reader,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cipher = crypt.NewCipher(secret, p.cipherOpts...)
	return p
}

// ClearanceTTL is the validity window of clearance tokens.
func (p *Protocol) ClearanceTTL() time.Duration { return p.clearanceTTL }

// ChallengeTTL is the validity window of challenge tokens.
func (p *Protocol) ChallengeTTL() time.Duration { return p.challengeTTL }

// ============================================================
// Challenge tokens
// ============================================================

// IssueChallenge seals the expected answer of a kind challenge for fp.
// Image answers are index digits in any order (see ImageAnswer); audio
// answers are the spoken characters.
func (p *Protocol) IssueChallenge(fp string, kind Kind, answer string) (string, error) {
	schema, ok := schemas[kind]
	if !ok {
		return "", fmt.Errorf("challenge: unknown kind %q", kind)
	}
	if !validFingerprint(fp) {
		return "", fmt.Errorf("challenge: malformed fingerprint")
	}
	canonical, ok := schema.normalize(answer, true)
	if !ok {
		return "", fmt.Errorf("challenge: answer does not fit %s schema", kind)
	}
	return p.seal(payload{code: schema.code, fingerprint: fp, issued: p.now(), body: canonical}, schema.width)
}

// VerifyChallenge checks submitted against the answer sealed in token for a
// kind challenge. It returns nil when solved. A token that cannot be opened,
// belongs to another client or has expired is ErrInvalidToken. A token of
// the wrong shape or kind fails like a wrong answer: ErrWrongSelection for
// image kinds, ErrWrongResponse for audio.
func (p *Protocol) VerifyChallenge(token, fp string, kind Kind, submitted string) error {
	schema, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidToken, kind)
	}
	mismatch := schema.mismatch()

	if token == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	if len(token) != p.cipher.EnvelopeLen(headerLen+schema.width) {
		return p.reject(fmt.Errorf("%w: token length", mismatch))
	}
	plain, err := p.cipher.Decrypt(token)
	if err != nil {
		return p.reject(fmt.Errorf("%w: %w", ErrInvalidToken, err))
	}
	pl, err := parsePayload(plain)
	if err != nil {
		return p.reject(fmt.Errorf("%w: %w", mismatch, err))
	}
	if pl.code != schema.code {
		return p.reject(fmt.Errorf("%w: issued for another kind", mismatch))
	}
	if err := p.checkBinding(pl, fp, p.challengeTTL); err != nil {
		return p.reject(err)
	}

	expected, ok := schema.normalize(pl.body, true)
	if !ok {
		return p.reject(fmt.Errorf("%w: sealed answer shape", mismatch))
	}
	got, ok := schema.normalize(submitted, false)
	if !ok || subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return mismatch
	}
	return nil
}

// ============================================================
// Clearance tokens
// ============================================================

// IssueClearance mints a clearance token for fp.
func (p *Protocol) IssueClearance(fp string) (string, error) {
	if !validFingerprint(fp) {
		return "", fmt.Errorf("challenge: malformed fingerprint")
	}
	nonce := make([]byte, base64.RawURLEncoding.DecodedLen(nonceLen))
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return "", fmt.Errorf("challenge: generate nonce: %w", err)
	}
	return p.seal(payload{
		code:        clearanceCode,
		fingerprint: fp,
		issued:      p.now(),
		body:        base64.RawURLEncoding.EncodeToString(nonce),
	}, nonceLen)
}

// CheckClearance returns nil if token is a live clearance for fp, and an
// error wrapping ErrInvalidToken otherwise.
func (p *Protocol) CheckClearance(token, fp string) error {
	if token == "" {
		return fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	if len(token) != p.cipher.EnvelopeLen(headerLen+nonceLen) {
		return fmt.Errorf("%w: token length", ErrInvalidToken)
	}
	plain, err := p.cipher.Decrypt(token)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	pl, err := parsePayload(plain)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if pl.code != clearanceCode || len(pl.body) != nonceLen {
		return fmt.Errorf("%w: not a clearance", ErrInvalidToken)
	}
	return p.checkBinding(pl, fp, p.clearanceTTL)
}

// HasClearance reports whether token is a live clearance for fp.
func (p *Protocol) HasClearance(token, fp string) bool {
	err := p.CheckClearance(token, fp)
	if err != nil && token != "" {
		p.logger.Debug("challenge: clearance rejected", "error", err)
	}
	return err == nil
}

// ============================================================
// Helpers
// ============================================================

func (p *Protocol) seal(pl payload, width int) (string, error) {
	plain, err := pl.marshal(width)
	if err != nil {
		return "", err
	}
	token, err := p.cipher.Encrypt(plain)
	if err != nil {
		return "", fmt.Errorf("challenge: seal: %w", err)
	}
	return token, nil
}

// checkBinding verifies the fingerprint and the age of a decrypted payload.
// A token is live up to and including ttl after issue.
func (p *Protocol) checkBinding(pl payload, fp string, ttl time.Duration) error {
	if subtle.ConstantTimeCompare([]byte(pl.fingerprint), []byte(fp)) != 1 {
		return fmt.Errorf("%w: fingerprint mismatch", ErrInvalidToken)
	}
	age := p.now().Sub(pl.issued)
	if age > ttl {
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	if age < -clockSkew {
		return fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	return nil
}

func (p *Protocol) reject(err error) error {
	p.logger.Debug("challenge: token rejected", "error", err)
	return err
}
