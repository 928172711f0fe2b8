package challenge

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humanify/server/internal/crypt"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestProtocol(t *testing.T, secret string) (*Protocol, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := New([]byte(secret),
		WithClock(clock.Now),
		WithCipherOptions(crypt.WithIterations(1000)),
	)
	return p, clock
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")
	assert.Len(t, fp, 64)
	assert.True(t, validFingerprint(fp))
	assert.Equal(t, fp, Fingerprint("203.0.113.9", "Mozilla/5.0"))
	assert.NotEqual(t, fp, Fingerprint("203.0.113.10", "Mozilla/5.0"))
	assert.Equal(t, Fingerprint(FallbackAddress, "x"), Fingerprint("", "x"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" One_Click ")
	require.NoError(t, err)
	assert.Equal(t, KindOneClick, k)
	assert.True(t, k.IsImage())
	assert.False(t, KindAudio.IsImage())

	_, err = ParseKind("slider")
	assert.Error(t, err)
}

func TestImageAnswer(t *testing.T) {
	assert.Equal(t, "012", ImageAnswer(2, 0, 1))
	assert.Equal(t, "07", ImageAnswer(7, 0, 7))
	assert.Equal(t, "", ImageAnswer())
}

func TestChallenge_RoundTrip(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindGrid, ImageAnswer(0, 1, 2))
	require.NoError(t, err)
	assert.NoError(t, p.VerifyChallenge(token, fp, KindGrid, ImageAnswer(0, 1, 2)))
}

func TestChallenge_IndexOrderDoesNotMatter(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindGrid, "201")
	require.NoError(t, err)
	assert.NoError(t, p.VerifyChallenge(token, fp, KindGrid, "012"))
	assert.NoError(t, p.VerifyChallenge(token, fp, KindGrid, "120"))
}

func TestChallenge_WrongAnswer(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindGrid, "014")
	require.NoError(t, err)

	for _, submitted := range []string{"01", "0145", "015", "", "abc", "019"} {
		err := p.VerifyChallenge(token, fp, KindGrid, submitted)
		assert.ErrorIs(t, err, ErrWrongSelection, "submitted %q", submitted)
		assert.Equal(t, MessageWrongSelection, Message(err))
	}
}

func TestChallenge_OtherFingerprint(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")
	other := Fingerprint("203.0.113.10", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindOneClick, "3")
	require.NoError(t, err)

	err = p.VerifyChallenge(token, other, KindOneClick, "3")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, MessageInvalidToken, Message(err))
}

func TestChallenge_Audio(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindAudio, "x7k2pq")
	require.NoError(t, err)

	assert.NoError(t, p.VerifyChallenge(token, fp, KindAudio, "  X7K2PQ \n"))

	err = p.VerifyChallenge(token, fp, KindAudio, "x7k2pz")
	assert.ErrorIs(t, err, ErrWrongResponse)
	assert.Equal(t, MessageWrongResponse, Message(err))
}

func TestChallenge_WrongKindFailsLikeWrongAnswer(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	// one_click and audio share a plaintext width, so only the kind code
	// tells them apart.
	audio, err := p.IssueChallenge(fp, KindAudio, "abcdef")
	require.NoError(t, err)
	assert.ErrorIs(t, p.VerifyChallenge(audio, fp, KindOneClick, "0"), ErrWrongSelection)

	oneClick, err := p.IssueChallenge(fp, KindOneClick, "2")
	require.NoError(t, err)
	assert.ErrorIs(t, p.VerifyChallenge(oneClick, fp, KindAudio, "abcdef"), ErrWrongResponse)

	grid, err := p.IssueChallenge(fp, KindGrid, "02")
	require.NoError(t, err)
	assert.ErrorIs(t, p.VerifyChallenge(grid, fp, KindAudio, "abcdef"), ErrWrongResponse)

	assert.ErrorIs(t, p.VerifyChallenge("not-a-token", fp, KindGrid, "02"), ErrWrongSelection)
}

func TestChallenge_Tampered(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindGrid, "02")
	require.NoError(t, err)

	i := len(token) / 2
	flipped := byte('A')
	if token[i] == 'A' {
		flipped = 'B'
	}
	tampered := token[:i] + string(flipped) + token[i+1:]
	assert.ErrorIs(t, p.VerifyChallenge(tampered, fp, KindGrid, "02"), ErrInvalidToken)

	other, _ := newTestProtocol(t, "other-secret")
	assert.ErrorIs(t, other.VerifyChallenge(token, fp, KindGrid, "02"), ErrInvalidToken)
	assert.ErrorIs(t, p.VerifyChallenge("", fp, KindGrid, "02"), ErrInvalidToken)
}

func TestChallenge_Expiry(t *testing.T) {
	p, clock := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueChallenge(fp, KindGrid, "02")
	require.NoError(t, err)

	clock.Advance(DefaultChallengeTTL)
	assert.NoError(t, p.VerifyChallenge(token, fp, KindGrid, "02"))

	clock.Advance(time.Second)
	assert.ErrorIs(t, p.VerifyChallenge(token, fp, KindGrid, "02"), ErrInvalidToken)
}

func TestIssueChallenge_RejectsBadInput(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	_, err := p.IssueChallenge("nope", KindGrid, "02")
	assert.Error(t, err)
	_, err = p.IssueChallenge(fp, KindGrid, "0")
	assert.Error(t, err, "grid answers select two or three images")
	_, err = p.IssueChallenge(fp, KindOneClick, "7")
	assert.Error(t, err, "index out of range")
	_, err = p.IssueChallenge(fp, KindAudio, "abc")
	assert.Error(t, err)
	_, err = p.IssueChallenge(fp, Kind("slider"), "abc")
	assert.Error(t, err)
}

func TestChallenge_EnvelopeLengthPerKind(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	two, err := p.IssueChallenge(fp, KindGrid, "02")
	require.NoError(t, err)
	three, err := p.IssueChallenge(fp, KindGrid, "028")
	require.NoError(t, err)
	assert.Equal(t, len(two), len(three))
	assert.NotEqual(t, two, three)
}

func TestClearance_Lifecycle(t *testing.T) {
	p, clock := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueClearance(fp)
	require.NoError(t, err)
	assert.True(t, p.HasClearance(token, fp))

	clock.Advance(14400 * time.Second)
	assert.True(t, p.HasClearance(token, fp))

	clock.Advance(time.Second)
	assert.False(t, p.HasClearance(token, fp))
	assert.ErrorIs(t, p.CheckClearance(token, fp), ErrInvalidToken)
}

func TestClearance_BoundToFingerprint(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueClearance(fp)
	require.NoError(t, err)
	assert.False(t, p.HasClearance(token, Fingerprint("203.0.113.9", "curl/8.0")))
	assert.False(t, p.HasClearance(token, Fingerprint("198.51.100.7", "Mozilla/5.0")))
}

func TestClearance_NotAChallengeToken(t *testing.T) {
	p, _ := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	challengeToken, err := p.IssueChallenge(fp, KindGrid, "02")
	require.NoError(t, err)
	assert.False(t, p.HasClearance(challengeToken, fp))

	clearance, err := p.IssueClearance(fp)
	require.NoError(t, err)
	assert.Error(t, p.VerifyChallenge(clearance, fp, KindGrid, "02"))
	assert.False(t, p.HasClearance("", fp))
	assert.False(t, p.HasClearance(strings.Repeat("A", len(clearance)), fp))
}

func TestClearance_IssuedInFuture(t *testing.T) {
	p, clock := newTestProtocol(t, "secret")
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	clock.Advance(time.Hour)
	token, err := p.IssueClearance(fp)
	require.NoError(t, err)

	clock.Advance(-time.Hour)
	assert.False(t, p.HasClearance(token, fp))
}

func TestClearance_DefaultIterations(t *testing.T) {
	p := New([]byte("secret"))
	fp := Fingerprint("203.0.113.9", "Mozilla/5.0")

	token, err := p.IssueClearance(fp)
	require.NoError(t, err)
	assert.True(t, p.HasClearance(token, fp))
	assert.Equal(t, DefaultClearanceTTL, p.ClearanceTTL())
}

func TestMessage(t *testing.T) {
	assert.Equal(t, MessageInvalidToken, Message(nil))
	assert.True(t, IsMessage(MessageWrongResponse))
	assert.False(t, IsMessage("<script>"))
}
