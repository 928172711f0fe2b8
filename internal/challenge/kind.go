package challenge

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is a challenge type.
type Kind string

const (
	KindGrid     Kind = "grid"
	KindOneClick Kind = "one_click"
	KindAudio    Kind = "audio"
)

// Schema describes what a challenge of one kind shows and what its answer
// looks like. Image indexes are single digits, so Images never exceeds 10.
type Schema struct {
	Kind Kind
	// Images is the number of candidate images; zero for audio.
	Images int
	// MinCorrect and MaxCorrect bound how many images an issued answer selects.
	MinCorrect int
	MaxCorrect int
	// Preview is set when the client is shown the target image.
	Preview bool
	// Length is the number of characters in an audio answer.
	Length int

	code  byte
	width int
}

var schemas = map[Kind]Schema{
	KindGrid:     {Kind: KindGrid, Images: 9, MinCorrect: 2, MaxCorrect: 3, code: 'G', width: 9},
	KindOneClick: {Kind: KindOneClick, Images: 6, MinCorrect: 1, MaxCorrect: 1, Preview: true, code: 'O', width: 6},
	KindAudio:    {Kind: KindAudio, Length: 6, code: 'A', width: 6},
}

// ParseKind validates a configured kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := schemas[k]; !ok {
		return "", fmt.Errorf("challenge: unknown kind %q", s)
	}
	return k, nil
}

// SchemaFor returns the schema of k.
func SchemaFor(k Kind) (Schema, bool) {
	s, ok := schemas[k]
	return s, ok
}

// IsImage reports whether k is answered by selecting images.
func (k Kind) IsImage() bool {
	return k == KindGrid || k == KindOneClick
}

// mismatch is the error a failed answer of this kind reports.
func (s Schema) mismatch() error {
	if s.Kind == KindAudio {
		return ErrWrongResponse
	}
	return ErrWrongSelection
}

// ImageAnswer renders selected image indexes in canonical form: ascending,
// deduplicated digits. Out-of-range indexes are kept so that normalize
// rejects them.
func ImageAnswer(indexes ...int) string {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)

	var b strings.Builder
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		if n < 0 || n > 9 {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(byte('0' + n))
	}
	return b.String()
}

// normalize returns the canonical form of answer. issued is set for answers
// embedded in a token, which must also select an allowed number of images.
func (s Schema) normalize(answer string, issued bool) (string, bool) {
	if s.Kind == KindAudio {
		answer = strings.ToLower(strings.TrimSpace(answer))
		if len(answer) != s.Length {
			return "", false
		}
		for i := 0; i < len(answer); i++ {
			c := answer[i]
			if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
				return "", false
			}
		}
		return answer, true
	}

	seen := make(map[int]bool, len(answer))
	indexes := make([]int, 0, len(answer))
	for i := 0; i < len(answer); i++ {
		n := int(answer[i] - '0')
		if answer[i] < '0' || answer[i] > '9' || n >= s.Images {
			return "", false
		}
		if !seen[n] {
			seen[n] = true
			indexes = append(indexes, n)
		}
	}
	if len(indexes) == 0 {
		return "", false
	}
	if issued && (len(indexes) < s.MinCorrect || len(indexes) > s.MaxCorrect) {
		return "", false
	}
	return ImageAnswer(indexes...), true
}
