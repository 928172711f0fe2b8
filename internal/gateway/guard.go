package gateway

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/config"
	"github.com/humanify/server/internal/decisionlog"
	"github.com/humanify/server/internal/reputation"
	"github.com/humanify/server/internal/rules"
)

// client is what the gateway knows about the sender of a request.
type client struct {
	address     string
	userAgent   string
	fingerprint string
}

func (s *Server) clientOf(r *http.Request) client {
	addr := ClientAddress(r, s.cfg.Server.TrustedHeaders)
	ua := r.UserAgent()
	return client{address: addr, userAgent: ua, fingerprint: challenge.Fingerprint(addr, ua)}
}

func (s *Server) hasClearance(r *http.Request, c client) bool {
	cookie, err := r.Cookie(ClearanceCookie)
	if err != nil {
		return false
	}
	return s.protocol.HasClearance(cookie.Value, c.fingerprint)
}

// Guard lets cleared and human clients through to next. Bots are sent to
// the challenge page, or to the access denied page when the action is deny.
func (s *Server) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		c := s.clientOf(r)

		if s.hasClearance(r, c) {
			s.record(r, c, start, decisionlog.Entry{Cleared: true, Action: "allow"})
			next.ServeHTTP(w, r)
			return
		}

		v := s.classifier.Classify(r.Context(), reputation.Request{
			Fingerprint: c.fingerprint,
			Address:     c.address,
			UserAgent:   c.userAgent,
			Attributes:  requestAttributes(r),
		})
		entry := decisionlog.Entry{
			IsBot:       v.IsBot,
			Reason:      v.Reason,
			Rule:        v.Rule,
			Labels:      labelStrings(v.Labels),
			InvalidAddr: v.InvalidAddress,
		}

		if !v.IsBot {
			entry.Action = "allow"
			s.record(r, c, start, entry)
			next.ServeHTTP(w, r)
			return
		}

		target := "/humanify/challenge"
		if s.cfg.Action == config.ActionDeny {
			target = "/humanify/access_denied"
		}
		entry.Action = string(s.cfg.Action)
		s.record(r, c, start, entry)

		q := url.Values{"return_url": {r.URL.RequestURI()}}
		http.Redirect(w, r, target+"?"+q.Encode(), http.StatusFound)
	})
}

func (s *Server) record(r *http.Request, c client, start time.Time, e decisionlog.Entry) {
	e.RequestID = middleware.GetReqID(r.Context())
	e.Path = r.URL.Path
	e.LatencyMs = float64(s.now().Sub(start).Microseconds()) / 1000
	if err := s.decisions.Record(c.fingerprint, e); err != nil {
		s.logger.Warn("gateway: decision log", "error", err)
	}
}

// requestAttributes exposes the request itself to policy rules.
func requestAttributes(r *http.Request) rules.Attributes {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return rules.Attributes{
		"method": r.Method,
		"scheme": scheme,
		"host":   r.Host,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"url":    scheme + "://" + r.Host + r.URL.RequestURI(),
	}
}

func labelStrings(labels []reputation.Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}
