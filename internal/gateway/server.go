// Package gateway is the HTTP face of humanify: a guard in front of the
// protected application plus the challenge pages and verify endpoints.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/humanify/server/internal/assets"
	"github.com/humanify/server/internal/challenge"
	"github.com/humanify/server/internal/config"
	"github.com/humanify/server/internal/decisionlog"
	"github.com/humanify/server/internal/reputation"
)

// ClearanceCookie carries the clearance token.
const ClearanceCookie = "clearance_token"

// Classifier decides whether a client is a bot.
type Classifier interface {
	Classify(ctx context.Context, req reputation.Request) reputation.Verdict
}

// Config selects how the gateway behaves.
type Config struct {
	Server config.ServerConfig
	Action config.Action
	// Kind is the image challenge served at /humanify/challenge.
	Kind challenge.Kind
}

// Deps are the collaborators of a Server.
type Deps struct {
	Classifier Classifier
	Protocol   *challenge.Protocol
	Assets     assets.Provider
	// Decisions may be nil.
	Decisions *decisionlog.Logger
	// Upstream serves requests that pass the guard.
	Upstream http.Handler
	Logger   *slog.Logger
}

type Server struct {
	cfg        Config
	classifier Classifier
	protocol   *challenge.Protocol
	assets     assets.Provider
	decisions  *decisionlog.Logger
	upstream   http.Handler
	logger     *slog.Logger
	now        func() time.Time
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Classifier == nil || deps.Protocol == nil || deps.Assets == nil {
		return nil, errors.New("gateway: classifier, protocol and assets are required")
	}
	if !cfg.Kind.IsImage() {
		return nil, fmt.Errorf("gateway: %q is not an image challenge", cfg.Kind)
	}
	if cfg.Action == "" {
		cfg.Action = config.ActionChallenge
	}
	s := &Server{
		cfg:        cfg,
		classifier: deps.Classifier,
		protocol:   deps.Protocol,
		assets:     deps.Assets,
		decisions:  deps.Decisions,
		upstream:   deps.Upstream,
		logger:     deps.Logger,
		now:        time.Now,
	}
	if s.upstream == nil {
		s.upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		})
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// NewUpstream proxies guarded requests to rawURL.
func NewUpstream(rawURL string) (http.Handler, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid upstream %q", rawURL)
	}
	return httputil.NewSingleHostReverseProxy(u), nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))
	}

	r.Get("/health", healthHandler)

	r.Route("/humanify", func(r chi.Router) {
		r.Get("/challenge", s.challengeHandler)
		r.Get("/audio_challenge", s.audioChallengeHandler)
		r.Post("/verify", s.verifyHandler)
		r.Post("/verify_audio", s.verifyAudioHandler)
		r.Get("/access_denied", s.accessDeniedHandler)
	})

	if s.cfg.Server.ClassifyAPI {
		r.Route("/api", func(r chi.Router) {
			if len(s.cfg.Server.CORSOrigins) > 0 {
				r.Use(cors.Handler(cors.Options{
					AllowedOrigins:   s.cfg.Server.CORSOrigins,
					AllowedMethods:   []string{"GET", "OPTIONS"},
					AllowedHeaders:   []string{"Accept"},
					ExposedHeaders:   []string{"X-Request-Id"},
					AllowCredentials: false,
					MaxAge:           300,
				}))
			}
			r.Get("/classify", s.classifyHandler)
		})
	}

	r.With(s.Guard).Handle("/*", s.upstream)
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	sc := s.cfg.Server
	srv := &http.Server{
		Addr:         sc.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway: listening", "addr", sc.Addr, "action", s.cfg.Action, "challenge", s.cfg.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("gateway: shutting down")
	timeout := sc.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}
