package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/humanify/server/internal/assets"
	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/config"
	"github.com/humanify/server/internal/crypt"
	"github.com/humanify/server/internal/reputation"
)

const (
	clientAddr = "203.0.113.9"
	clientUA   = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
)

type stubClassifier struct {
	calls   atomic.Int32
	mu      sync.Mutex
	verdict reputation.Verdict
	last    reputation.Request
}

func (c *stubClassifier) Classify(_ context.Context, req reputation.Request) reputation.Verdict {
	c.calls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = req
	return c.verdict
}

type stubAssets struct{}

func (stubAssets) Challenge(_ context.Context, kind challenge.Kind) (assets.Challenge, error) {
	img := assets.Asset{Data: []byte("img"), MIME: "image/png"}
	switch kind {
	case challenge.KindGrid:
		images := make([]assets.Asset, 9)
		for i := range images {
			images[i] = img
		}
		return assets.Challenge{Kind: kind, Subject: "smiling dog", Images: images, Answer: "201"}, nil
	case challenge.KindAudio:
		return assets.Challenge{Kind: kind, Audio: &assets.Asset{Data: []byte("mp3"), MIME: "audio/mpeg"}, Answer: "k3x9qa"}, nil
	}
	return assets.Challenge{}, assets.ErrUnavailable
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	handler    http.Handler
	classifier *stubClassifier
	clock      *fakeClock
	upstream   atomic.Int32
}

func newHarness(t *testing.T, action config.Action, tune ...func(*config.ServerConfig)) *harness {
	t.Helper()
	sc := config.Default().Server
	for _, f := range tune {
		f(&sc)
	}
	h := &harness{
		classifier: &stubClassifier{verdict: reputation.Verdict{
			IsBot:  true,
			Reason: "tor-exit-node",
			Labels: []reputation.Label{reputation.LabelTorExitNode},
		}},
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	protocol := challenge.New([]byte("test-secret-0123456789"),
		challenge.WithClock(h.clock.Now),
		challenge.WithCipherOptions(crypt.WithIterations(1000)),
	)
	srv, err := New(Config{
		Server: sc,
		Action: action,
		Kind:   challenge.KindGrid,
	}, Deps{
		Classifier: h.classifier,
		Protocol:   protocol,
		Assets:     stubAssets{},
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h.upstream.Add(1)
			w.Write([]byte("protected content"))
		}),
	})
	require.NoError(t, err)
	h.handler = srv.Handler()
	return h
}

func (h *harness) do(t *testing.T, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req.RemoteAddr = clientAddr + ":51234"
	req.Header.Set("User-Agent", clientUA)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

var tokenPattern = regexp.MustCompile(`name="captcha_data" value="([^"]+)"`)

func challengeToken(t *testing.T, body string) string {
	t.Helper()
	m := tokenPattern.FindStringSubmatch(body)
	require.Len(t, m, 2, "challenge page carries a token")
	return m[1]
}

func verifyForm(token, returnURL string, selected ...int) *http.Request {
	form := url.Values{"captcha_data": {token}, "return_url": {returnURL}}
	for _, i := range selected {
		form.Set(string(rune('1'+i)), "1")
	}
	req := httptest.NewRequest(http.MethodPost, "/humanify/verify", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func clearanceCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == ClearanceCookie {
			return c
		}
	}
	return nil
}

func TestGuard_ChallengeSolveAndBypass(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/account?tab=1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/humanify/challenge?return_url=%2Faccount%3Ftab%3D1", rec.Header().Get("Location"))
	assert.Equal(t, int32(1), h.classifier.calls.Load())
	assert.Equal(t, int32(0), h.upstream.Load())

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge?return_url=%2Faccount%3Ftab%3D1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	body := rec.Body.String()
	assert.Contains(t, body, "smiling dog")
	assert.Contains(t, body, "data:image/png;base64,")
	token := challengeToken(t, body)

	rec = h.do(t, verifyForm(token, "/account?tab=1", 1, 0, 2))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/account?tab=1", rec.Header().Get("Location"))

	cookie := clearanceCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, 14400, cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)

	calls := h.classifier.calls.Load()
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/account", nil), cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "protected content", rec.Body.String())
	assert.Equal(t, calls, h.classifier.calls.Load(), "cleared requests skip classification")

	h.clock.Advance(14400 * time.Second)
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/account", nil), cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, calls, h.classifier.calls.Load())

	h.clock.Advance(time.Second)
	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/account", nil), cookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, calls+1, h.classifier.calls.Load())
}

func TestGuard_ClearanceBoundToClient(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	token := challengeToken(t, rec.Body.String())
	rec = h.do(t, verifyForm(token, "/", 0, 1, 2))
	cookie := clearanceCookie(rec)
	require.NotNil(t, cookie)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("User-Agent", clientUA)
	req.AddCookie(cookie)
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusFound, out.Code)
}

func TestGuard_HumanPassesThrough(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)
	h.classifier.verdict = reputation.Verdict{IsBot: false}

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/docs?q=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), h.upstream.Load())

	last := h.classifier.last
	assert.Equal(t, clientAddr, last.Address)
	assert.Equal(t, clientUA, last.UserAgent)
	assert.Equal(t, challenge.Fingerprint(clientAddr, clientUA), last.Fingerprint)
	assert.Equal(t, "/docs", last.Attributes["path"])
	assert.Equal(t, "GET", last.Attributes["method"])
}

func TestGuard_DenyAction(t *testing.T) {
	h := newHarness(t, config.ActionDeny)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/humanify/access_denied?return_url=%2Fadmin", rec.Header().Get("Location"))

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/access_denied?return_url=%2Fadmin", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "public, max-age=15552000", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "Access denied")
}

func TestVerify_WrongSelection(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	token := challengeToken(t, rec.Body.String())

	rec = h.do(t, verifyForm(token, "/shop", 0, 1))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Nil(t, clearanceCookie(rec))

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/humanify/challenge", loc.Path)
	assert.Equal(t, challenge.MessageWrongSelection, loc.Query().Get("error"))
	assert.Equal(t, "/shop", loc.Query().Get("return_url"))

	rec = h.do(t, httptest.NewRequest(http.MethodGet, loc.String(), nil))
	assert.Contains(t, rec.Body.String(), "Wrong selection. Try again.")
}

func TestVerify_InvalidToken(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, verifyForm("", "/", 0, 1, 2))
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, challenge.MessageInvalidToken, loc.Query().Get("error"))
}

func TestVerify_AbsoluteReturnURLIsDropped(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	token := challengeToken(t, rec.Body.String())

	rec = h.do(t, verifyForm(token, "https://evil.example/phish", 0, 1, 2))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestChallengePage_IgnoresUnknownErrorText(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge?error=%3Cscript%3Ealert(1)%3C%2Fscript%3E", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "alert(1)")
}

func TestAudioChallenge(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/audio_challenge?return_url=%2Fblog", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data:audio/mpeg;base64,")
	token := challengeToken(t, rec.Body.String())

	post := func(response string) *httptest.ResponseRecorder {
		form := url.Values{"captcha_data": {token}, "return_url": {"/blog"}, "audio_response": {response}}
		req := httptest.NewRequest(http.MethodPost, "/humanify/verify_audio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return h.do(t, req)
	}

	rec = post("k3x9qb")
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/humanify/audio_challenge", loc.Path)
	assert.Equal(t, challenge.MessageWrongResponse, loc.Query().Get("error"))

	rec = post(" K3X9QA ")
	assert.Equal(t, "/blog", rec.Header().Get("Location"))
	assert.NotNil(t, clearanceCookie(rec))
}

func TestVerify_ImageTokenOnAudioEndpoint(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	token := challengeToken(t, rec.Body.String())

	form := url.Values{"captcha_data": {token}, "audio_response": {"012"}}
	req := httptest.NewRequest(http.MethodPost, "/humanify/verify_audio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = h.do(t, req)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, challenge.MessageWrongResponse, loc.Query().Get("error"))
}

func TestChallengePage_ClearedClientIsRedirected(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	rec = h.do(t, verifyForm(challengeToken(t, rec.Body.String()), "/", 0, 1, 2))
	cookie := clearanceCookie(rec)
	require.NotNil(t, cookie)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge?return_url=%2Fhome", nil), cookie)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/home", rec.Header().Get("Location"))
}

func withClassifyAPI(origins ...string) func(*config.ServerConfig) {
	return func(sc *config.ServerConfig) {
		sc.ClassifyAPI = true
		sc.CORSOrigins = origins
	}
}

func TestClassifyAPI_ReportsCallerOnly(t *testing.T) {
	h := newHarness(t, config.ActionChallenge, withClassifyAPI())

	req := httptest.NewRequest(http.MethodGet, "/api/classify?address=198.51.100.23", strings.NewReader(`{"address":"198.51.100.23"}`))
	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp struct {
		Address string   `json:"address"`
		IsBot   bool     `json:"is_bot"`
		Reason  string   `json:"reason"`
		Labels  []string `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, clientAddr, resp.Address)
	assert.True(t, resp.IsBot)
	assert.Equal(t, "tor-exit-node", resp.Reason)
	assert.Equal(t, []string{"tor-exit-node"}, resp.Labels)

	last := h.classifier.last
	assert.Equal(t, clientAddr, last.Address)
	assert.Equal(t, challenge.Fingerprint(clientAddr, clientUA), last.Fingerprint)
}

func TestClassifyAPI_DisabledByDefault(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/classify", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := h.do(t, req)
		assert.Equal(t, http.StatusFound, rec.Code, "falls through to the guard")
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	}
	assert.Equal(t, clientAddr, h.classifier.last.Address)
}

func TestClassifyAPI_CORS(t *testing.T) {
	h := newHarness(t, config.ActionChallenge, withClassifyAPI())
	req := httptest.NewRequest(http.MethodGet, "/api/classify", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := h.do(t, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), "same-origin only without configured origins")

	h = newHarness(t, config.ActionChallenge, withClassifyAPI("https://app.example"))
	req = httptest.NewRequest(http.MethodGet, "/api/classify", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = h.do(t, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/classify", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = h.do(t, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, int32(0), h.classifier.calls.Load())
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{Kind: challenge.KindGrid}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{Kind: challenge.KindAudio}, Deps{
		Classifier: &stubClassifier{},
		Protocol:   challenge.New([]byte("x")),
		Assets:     stubAssets{},
	})
	assert.Error(t, err)
}

func TestClientAddress(t *testing.T) {
	trusted := config.Default().Server.TrustedHeaders
	cases := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"peer", "203.0.113.9:1234", map[string]string{"X-Forwarded-For": "198.51.100.7"}, "203.0.113.9"},
		{"loopback uses header", "127.0.0.1:1234", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"}, "198.51.100.7"},
		{"skips private", "127.0.0.1:1234", map[string]string{"X-Forwarded-For": "10.0.0.2, 192.168.1.4"}, ""},
		{"ipv4 preferred", "[::1]:1234", map[string]string{"X-Forwarded-For": "2001:db8::1", "X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"ipv6 fallback", "[::1]:1234", map[string]string{"X-Forwarded-For": "[2001:db8::1]:443"}, "2001:db8::1"},
		{"port stripped", "127.0.0.1:1234", map[string]string{"CF-Connecting-IP": "198.51.100.7:8080"}, "198.51.100.7"},
		{"untrusted header ignored", "127.0.0.1:1234", map[string]string{"X-Client-IP": "198.51.100.7"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClientAddress(r, trusted))
		})
	}
}

func TestReturnURL(t *testing.T) {
	cases := map[string]string{
		"":                         "/",
		"/account":                 "/account",
		"/search?q=go":             "/search?q=go",
		"/search?":                 "/search",
		"/a?b?c":                   "/a?b?c",
		"account":                  "/account",
		"https://evil.example/":    "/",
		"//evil.example/path":      "/",
		"/\\evil.example":          "/",
		"javascript:alert(1)":      "/",
		"  /padded  ":              "/padded",
		"http:/relative-looking":   "/",
		"/ok#frag":                 "/ok#frag",
		"?":                        "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, ReturnURL(in), "input %q", in)
	}
}

func TestClearanceCookie_SecureOverTLS(t *testing.T) {
	h := newHarness(t, config.ActionChallenge)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/humanify/challenge", nil))
	req := verifyForm(challengeToken(t, rec.Body.String()), "/", 0, 1, 2)
	req.TLS = &tls.ConnectionState{}
	rec = h.do(t, req)

	cookie := clearanceCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.Secure)
}

func TestNewUpstream(t *testing.T) {
	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("upstream " + r.URL.Path))
	}))
	defer app.Close()

	proxy, err := NewUpstream(app.URL)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/7", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream /orders/7", rec.Body.String())

	_, err = NewUpstream("not a url")
	assert.Error(t, err)
}

func TestNew_NoUpstreamIsBadGateway(t *testing.T) {
	srv, err := New(Config{Server: config.Default().Server, Kind: challenge.KindGrid}, Deps{
		Classifier: &stubClassifier{},
		Protocol:   challenge.New([]byte("test-secret-0123456789")),
		Assets:     stubAssets{},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = clientAddr + ":1"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
