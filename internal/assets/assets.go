// Package assets supplies challenge content: images or audio plus the
// ground-truth answer. The gateway never looks inside the bytes.
package assets

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/humanify/server/internal/challenge"
)

// ErrUnavailable is returned when no content is loaded for a kind.
var ErrUnavailable = errors.New("assets: no content for challenge kind")

// Asset is one image or audio clip.
type Asset struct {
	Data []byte
	MIME string
}

// DataURL inlines the asset for an HTML page.
func (a Asset) DataURL() string {
	return "data:" + a.MIME + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Challenge is rendered content together with its answer.
type Challenge struct {
	Kind challenge.Kind
	// Subject names what the client must select, e.g. "smiling dog".
	Subject string
	Preview *Asset
	Images  []Asset
	Audio   *Asset
	// Answer is in the form challenge.Protocol.IssueChallenge expects.
	Answer string
}

// Provider produces challenges.
type Provider interface {
	Challenge(ctx context.Context, kind challenge.Kind) (Challenge, error)
}
