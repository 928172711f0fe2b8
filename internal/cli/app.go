package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/humanify/server/internal/cache"
	"github.com/humanify/server/internal/config"
	"github.com/humanify/server/internal/crypt"
	"github.com/humanify/server/internal/reputation"
	"github.com/humanify/server/internal/rules"
)

// app holds the pieces shared by the commands that classify clients.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	cache      *cache.Cache
	ipset      *reputation.IPSet
	policy     *rules.PolicyFile
	classifier *reputation.Classifier
}

func loadSecret(cfg config.SecretConfig) ([]byte, error) {
	if cfg.Value != "" {
		return []byte(cfg.Value), nil
	}
	return crypt.LoadOrCreateSecret(cfg.Path)
}

func cipherOptions(cfg config.SecretConfig) []crypt.Option {
	var opts []crypt.Option
	if cfg.Iterations > 0 {
		opts = append(opts, crypt.WithIterations(cfg.Iterations))
	}
	if cfg.SaltSize > 0 {
		opts = append(opts, crypt.WithSaltSize(cfg.SaltSize))
	}
	return opts
}

func openCache(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*cache.Cache, error) {
	store, err := cache.Open(ctx, cfg.Cache.StoreConfig)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return cache.New(store,
		cache.WithLogger(logger),
		cache.WithCipherOptions(cipherOptions(cfg.Secret)...),
	), nil
}

func openIPSet(cfg config.ReputationConfig, logger *slog.Logger) (*reputation.IPSet, error) {
	return reputation.OpenIPSet(cfg.IPSetPath,
		reputation.WithIPSetURL(cfg.IPSetURL),
		reputation.WithIPSetMaxAge(cfg.IPSetMaxAge),
		reputation.WithIPSetLogger(logger),
	)
}

// openApp builds the cache, the reputation sources, the policy and the
// classifier from cfg.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	c, err := openCache(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, cache: c}

	rc := cfg.Reputation
	var sources []reputation.Source
	if rc.IPSetPath != "" {
		a.ipset, err = openIPSet(rc, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open ipset: %w", err)
		}
		sources = append(sources, a.ipset)
	}
	if rc.Datacenter {
		sources = append(sources, reputation.NewDatacenter(rc.DatacenterRanges...))
	}
	if rc.Tor.Enabled {
		var opts []reputation.TorOption
		if rc.Tor.Resolver != "" {
			opts = append(opts, reputation.WithTorResolver(rc.Tor.Resolver))
		}
		sources = append(sources, reputation.NewTorDNSEL(c, rc.LookupTimeout, opts...))
	}
	if rc.StopForumSpam.Enabled {
		sources = append(sources, reputation.NewStopForumSpam(c, rc.StopForumSpam.URL, rc.LookupTimeout))
	}

	a.policy, err = rules.OpenPolicyFile(cfg.Rules.PolicyPath, cfg.Rules.Inline, rules.NewEngine(reputation.Fields...), logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}

	opts := []reputation.ClassifierOption{
		reputation.WithSources(sources...),
		reputation.WithPolicy(a.policy),
		reputation.WithRejectCategories(rc.RejectCategories...),
		reputation.WithLookupTimeout(rc.LookupTimeout),
		reputation.WithClassifierLogger(logger),
	}
	if rc.Geo.Enabled {
		opts = append(opts, reputation.WithGeo(reputation.NewGeoLookup(c, rc.Geo.URL, rc.LookupTimeout)))
	}
	a.classifier = reputation.NewClassifier(c, opts...)
	return a, nil
}

// watch registers the policy and ipset files with r.
func (a *app) watch(r *config.Reloader) error {
	var errs []error
	if a.policy.Path() != "" {
		errs = append(errs, r.Watch(a.policy.Path(), a.policy.Reload))
	}
	if a.ipset != nil {
		errs = append(errs, r.Watch(a.ipset.Path(), a.ipset.Reload))
	}
	return errors.Join(errs...)
}

func (a *app) Close() error {
	return a.cache.Close()
}
