package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/humanify/server/internal/assets"
	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/reputation"
)

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ============================================================
// Challenge pages
// ============================================================

func (s *Server) challengeHandler(w http.ResponseWriter, r *http.Request) {
	s.renderChallenge(w, r, s.cfg.Kind)
}

func (s *Server) audioChallengeHandler(w http.ResponseWriter, r *http.Request) {
	s.renderChallenge(w, r, challenge.KindAudio)
}

func (s *Server) renderChallenge(w http.ResponseWriter, r *http.Request, kind challenge.Kind) {
	returnURL := ReturnURL(r.URL.Query().Get("return_url"))
	c := s.clientOf(r)
	if s.hasClearance(r, c) {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}

	content, err := s.assets.Challenge(r.Context(), kind)
	if err != nil {
		s.logger.Error("gateway: load challenge", "kind", kind, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, assets.ErrUnavailable) {
			status = http.StatusNotFound
		}
		http.Error(w, "Could not load captcha", status)
		return
	}
	token, err := s.protocol.IssueChallenge(c.fingerprint, kind, content.Answer)
	if err != nil {
		s.logger.Error("gateway: issue challenge", "kind", kind, "error", err)
		http.Error(w, "Could not load captcha", http.StatusInternalServerError)
		return
	}

	p := page{
		Title:     "Verify you are human",
		ReturnURL: returnURL,
		Token:     token,
		Subject:   content.Subject,
	}
	// Only the fixed messages are reflected back.
	if msg := r.URL.Query().Get("error"); challenge.IsMessage(msg) {
		p.Error = msg
	}

	w.Header().Set("Cache-Control", "no-store")
	if kind == challenge.KindAudio {
		p.Audio = dataURL(content.Audio)
		s.render(w, http.StatusOK, "audio", p)
		return
	}
	p.Preview = dataURL(content.Preview)
	for i := range content.Images {
		p.Images = append(p.Images, dataURL(&content.Images[i]))
	}
	s.render(w, http.StatusOK, "image", p)
}

func (s *Server) accessDeniedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=15552000")
	s.render(w, http.StatusForbidden, "denied", page{
		Title:     "Access denied",
		ReturnURL: ReturnURL(r.URL.Query().Get("return_url")),
	})
}

// ============================================================
// Verification
// ============================================================

func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	schema, _ := challenge.SchemaFor(s.cfg.Kind)
	s.verify(w, r, s.cfg.Kind, "/humanify/challenge", func() string {
		var selected []int
		for i := 1; i <= schema.Images; i++ {
			if r.PostForm.Get(strconv.Itoa(i)) == "1" {
				selected = append(selected, i-1)
			}
		}
		return challenge.ImageAnswer(selected...)
	})
}

func (s *Server) verifyAudioHandler(w http.ResponseWriter, r *http.Request) {
	s.verify(w, r, challenge.KindAudio, "/humanify/audio_challenge", func() string {
		return r.PostForm.Get("audio_response")
	})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, kind challenge.Kind, retry string, answer func() string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	returnURL := ReturnURL(r.FormValue("return_url"))
	c := s.clientOf(r)
	if s.hasClearance(r, c) {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}

	err := s.protocol.VerifyChallenge(r.PostForm.Get("captcha_data"), c.fingerprint, kind, answer())
	if err != nil {
		s.logger.Debug("gateway: challenge failed", "kind", kind, "error", err)
		q := url.Values{"error": {challenge.Message(err)}, "return_url": {returnURL}}
		http.Redirect(w, r, retry+"?"+q.Encode(), http.StatusFound)
		return
	}

	token, err := s.protocol.IssueClearance(c.fingerprint)
	if err != nil {
		s.logger.Error("gateway: issue clearance", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ClearanceCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.protocol.ClearanceTTL().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// ============================================================
// JSON API
// ============================================================

// ClassifyResponse is the caller's own verdict.
type ClassifyResponse struct {
	Address string `json:"address"`
	reputation.Verdict
}

// classifyHandler reports how the guard sees the caller. Only the caller's
// own address is classified.
func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	c := s.clientOf(r)
	v := s.classifier.Classify(r.Context(), reputation.Request{
		Fingerprint: c.fingerprint,
		Address:     c.address,
		UserAgent:   c.userAgent,
		Attributes:  requestAttributes(r),
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(ClassifyResponse{Address: c.address, Verdict: v})
}
