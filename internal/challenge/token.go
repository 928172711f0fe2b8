package challenge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Token plaintext is fixed-width ASCII:
//
//	version(1) kind(1) fingerprint(64) issued-at(10) body(width)
//
// The body is the expected answer padded to the kind's width, or a random
// nonce for clearance tokens. A fixed width per kind pins the envelope
// length, so a token of the wrong shape is refused before decryption.
const (
	tokenVersion  = '1'
	clearanceCode = 'C'
	timestampLen  = 10
	headerLen     = 2 + fingerprintLen + timestampLen
	nonceLen      = 32
	padByte       = '.'
)

var errMalformedPayload = errors.New("challenge: malformed payload")

type payload struct {
	code        byte
	fingerprint string
	issued      time.Time
	body        string
}

func (p payload) marshal(width int) ([]byte, error) {
	if len(p.body) > width {
		return nil, fmt.Errorf("challenge: body exceeds %d bytes", width)
	}
	ts := p.issued.Unix()
	if ts < 0 || ts > 9_999_999_999 {
		return nil, fmt.Errorf("challenge: issue time %d out of range", ts)
	}

	b := make([]byte, 0, headerLen+width)
	b = append(b, tokenVersion, p.code)
	b = append(b, p.fingerprint...)
	b = append(b, fmt.Sprintf("%0*d", timestampLen, ts)...)
	b = append(b, p.body...)
	for len(b) < headerLen+width {
		b = append(b, padByte)
	}
	return b, nil
}

func parsePayload(b []byte) (payload, error) {
	if len(b) < headerLen || b[0] != tokenVersion {
		return payload{}, errMalformedPayload
	}
	fp := string(b[2 : 2+fingerprintLen])
	if !validFingerprint(fp) {
		return payload{}, errMalformedPayload
	}
	ts, err := strconv.ParseInt(string(b[2+fingerprintLen:headerLen]), 10, 64)
	if err != nil || ts < 0 {
		return payload{}, errMalformedPayload
	}
	return payload{
		code:        b[1],
		fingerprint: fp,
		issued:      time.Unix(ts, 0),
		body:        strings.TrimRight(string(b[headerLen:]), string(padByte)),
	}, nil
}
