package assets

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/humanify/server/internal/challenge"
)

// DirProvider serves challenges from datasets on disk:
//
//	images/<subject>/<file>.{png,jpg,jpeg,webp,gif}
//	audio/<language>/<char>.mp3
//
// Both trees are read once by OpenDir.
type DirProvider struct {
	subjects map[string][]Asset
	keys     []string
	chars    map[byte]Asset
	alphabet []byte

	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

// DirOption configures a DirProvider.
type DirOption func(*DirProvider)

// WithRand makes selection deterministic in tests.
func WithRand(r *rand.Rand) DirOption {
	return func(p *DirProvider) { p.rng = r }
}

// newRand returns a ChaCha8 generator seeded from crypto/rand, so earlier
// challenges reveal nothing about the next answer.
func newRand() (*rand.Rand, error) {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("assets: seed generator: %w", err)
	}
	return rand.New(rand.NewChaCha8(seed)), nil
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DirOption {
	return func(p *DirProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".gif":  "image/gif",
}

var audioExts = map[string]string{
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".ogg": "audio/ogg",
}

// OpenDir loads the image dataset under imagesDir and the audio clips for
// language under audioDir. Either directory may be empty to disable it.
func OpenDir(imagesDir, audioDir, language string, opts ...DirOption) (*DirProvider, error) {
	p := &DirProvider{
		subjects: make(map[string][]Asset),
		chars:    make(map[byte]Asset),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		rng, err := newRand()
		if err != nil {
			return nil, err
		}
		p.rng = rng
	}

	if imagesDir != "" {
		if err := p.loadImages(imagesDir); err != nil {
			return nil, err
		}
	}
	if audioDir != "" {
		if language == "" {
			language = "en"
		}
		if err := p.loadAudio(filepath.Join(audioDir, language)); err != nil {
			return nil, err
		}
	}
	p.logger.Info("assets: datasets loaded", "subjects", len(p.keys), "audio_chars", len(p.alphabet))
	return p, nil
}

func (p *DirProvider) loadImages(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("assets: read images: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("assets: read subject %s: %w", e.Name(), err)
		}
		for _, f := range files {
			mimeType, ok := imageExts[strings.ToLower(filepath.Ext(f.Name()))]
			if f.IsDir() || !ok {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name(), f.Name()))
			if err != nil {
				return fmt.Errorf("assets: read image: %w", err)
			}
			subject := strings.ReplaceAll(e.Name(), "_", " ")
			p.subjects[subject] = append(p.subjects[subject], Asset{Data: data, MIME: mimeType})
		}
	}
	for k := range p.subjects {
		p.keys = append(p.keys, k)
	}
	sort.Strings(p.keys)
	if len(p.keys) < 2 {
		return fmt.Errorf("assets: %s needs at least two subjects", dir)
	}
	return nil
}

func (p *DirProvider) loadAudio(dir string) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("assets: read audio: %w", err)
	}
	for _, f := range files {
		ext := filepath.Ext(f.Name())
		name := strings.ToLower(strings.TrimSuffix(f.Name(), ext))
		mimeType, ok := audioExts[strings.ToLower(ext)]
		if f.IsDir() || !ok || len(name) != 1 || !isAnswerChar(name[0]) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return fmt.Errorf("assets: read audio: %w", err)
		}
		p.chars[name[0]] = Asset{Data: data, MIME: mimeType}
		p.alphabet = append(p.alphabet, name[0])
	}
	sort.Slice(p.alphabet, func(i, j int) bool { return p.alphabet[i] < p.alphabet[j] })
	return nil
}

func isAnswerChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Challenge implements Provider.
func (p *DirProvider) Challenge(ctx context.Context, kind challenge.Kind) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	schema, ok := challenge.SchemaFor(kind)
	if !ok {
		return Challenge{}, fmt.Errorf("assets: unknown kind %q", kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if kind == challenge.KindAudio {
		return p.audio(schema)
	}
	return p.images(schema)
}

func (p *DirProvider) images(schema challenge.Schema) (Challenge, error) {
	if len(p.keys) < 2 {
		return Challenge{}, ErrUnavailable
	}
	subject := p.keys[p.rng.IntN(len(p.keys))]
	correct := p.subjects[subject]

	var incorrect []Asset
	for _, k := range p.keys {
		if k != subject {
			incorrect = append(incorrect, p.subjects[k]...)
		}
	}

	n := schema.MinCorrect + p.rng.IntN(schema.MaxCorrect-schema.MinCorrect+1)
	n = min(n, len(correct))
	if n < schema.MinCorrect || schema.Images-n > len(incorrect) {
		return Challenge{}, fmt.Errorf("assets: too few images for %s", schema.Kind)
	}

	type slot struct {
		asset Asset
		ok    bool
	}
	slots := make([]slot, 0, schema.Images)
	for _, a := range p.sample(correct, n) {
		slots = append(slots, slot{a, true})
	}
	for _, a := range p.sample(incorrect, schema.Images-n) {
		slots = append(slots, slot{a, false})
	}
	p.rng.Shuffle(len(slots), func(i, j int) { slots[i], slots[j] = slots[j], slots[i] })

	c := Challenge{Kind: schema.Kind, Subject: subject, Images: make([]Asset, len(slots))}
	var indexes []int
	for i, s := range slots {
		c.Images[i] = s.asset
		if s.ok {
			indexes = append(indexes, i)
		}
	}
	c.Answer = challenge.ImageAnswer(indexes...)
	if schema.Preview {
		preview := correct[p.rng.IntN(len(correct))]
		c.Preview = &preview
	}
	return c, nil
}

func (p *DirProvider) audio(schema challenge.Schema) (Challenge, error) {
	if len(p.alphabet) == 0 {
		return Challenge{}, ErrUnavailable
	}
	answer := make([]byte, schema.Length)
	var clip []byte
	mimeType := ""
	for i := range answer {
		c := p.alphabet[p.rng.IntN(len(p.alphabet))]
		answer[i] = c
		clip = append(clip, p.chars[c].Data...)
		mimeType = p.chars[c].MIME
	}
	return Challenge{
		Kind:   schema.Kind,
		Audio:  &Asset{Data: clip, MIME: mimeType},
		Answer: string(answer),
	}, nil
}

// sample picks n distinct elements of from.
func (p *DirProvider) sample(from []Asset, n int) []Asset {
	idx := p.rng.Perm(len(from))[:n]
	out := make([]Asset, n)
	for i, j := range idx {
		out[i] = from[j]
	}
	return out
}
