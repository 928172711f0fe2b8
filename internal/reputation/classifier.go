package reputation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/humanify/server/internal/cache"
	"github.com/humanify/server/internal/rules"
)

// DefaultLookupTimeout bounds every external lookup.
const DefaultLookupTimeout = 3 * time.Second

// ReasonPolicy prefixes the reason of verdicts decided by a policy rule.
const ReasonPolicy = "policy:"

// Fields is the attribute schema available to policy rules.
var Fields = []string{
	// address and labels
	"ip", "ip_version", "labels",
	"is_invalid_ip", "is_vpn", "vpn_provider", "is_proxy", "is_datacenter",
	"is_forum_spammer", "is_threat_list", "is_tor",
	// geo
	"continent", "continent_code", "country", "country_code", "region", "region_code",
	"city", "zip", "lat", "lon", "timezone", "isp", "org", "as", "as_code",
	"mobile", "proxy", "hosting",
	// user agent
	"user_agent", "browser", "browser_version", "os", "is_mobile", "ua_is_bot", "ua_bot_name",
	// request
	"method", "scheme", "host", "path", "query", "url",
}

// Request is what the classifier needs to know about a client.
type Request struct {
	// Fingerprint is the cache subject for the merged label set.
	Fingerprint string
	Address     string
	UserAgent   string
	// Attributes adds request-scoped facts such as path and method.
	Attributes rules.Attributes
}

// Verdict is the classifier's decision and why it was made.
type Verdict struct {
	IsBot          bool    `json:"is_bot"`
	Reason         string  `json:"reason,omitempty"`
	Labels         []Label `json:"labels"`
	Rule           string  `json:"rule,omitempty"`
	InvalidAddress bool    `json:"invalid_address,omitempty"`
}

// Decider applies a policy to assembled attributes.
type Decider interface {
	Decide(attrs rules.Attributes) rules.Decision
}

// Classifier merges labels from its sources and applies the policy on top.
// Labels from remote sources are memoised per fingerprint in the reputation
// namespace; local sources are asked on every request.
type Classifier struct {
	local   []Source
	remote  []Source
	geo     GeoSource
	policy  Decider
	reject  map[string]bool
	memo    *cache.Memo[[]Label]
	timeout time.Duration
	logger  *slog.Logger
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithSources sets the label sources.
func WithSources(sources ...Source) ClassifierOption {
	return func(c *Classifier) {
		c.local, c.remote = nil, nil
		for _, s := range sources {
			if isLocal(s) {
				c.local = append(c.local, s)
			} else {
				c.remote = append(c.remote, s)
			}
		}
	}
}

// WithGeo sets the geo source used for rule attributes.
func WithGeo(g GeoSource) ClassifierOption {
	return func(c *Classifier) { c.geo = g }
}

// WithPolicy sets the policy applied after labelling.
func WithPolicy(d Decider) ClassifierOption {
	return func(c *Classifier) { c.policy = d }
}

// WithRejectCategories replaces DefaultRejectCategories.
func WithRejectCategories(categories ...string) ClassifierOption {
	return func(c *Classifier) {
		c.reject = make(map[string]bool, len(categories))
		for _, cat := range categories {
			c.reject[cat] = true
		}
	}
}

// WithLookupTimeout bounds external lookups.
func WithLookupTimeout(d time.Duration) ClassifierOption {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClassifierLogger sets the logger.
func WithClassifierLogger(l *slog.Logger) ClassifierOption {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClassifier returns a Classifier memoising into c.
func NewClassifier(c *cache.Cache, opts ...ClassifierOption) *Classifier {
	cl := &Classifier{
		memo:    cache.NewMemo[[]Label](c, cache.Reputation),
		timeout: DefaultLookupTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	WithRejectCategories(DefaultRejectCategories...)(cl)
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Classify returns the verdict for req. It never fails: a malformed address
// is a bot, and a failed lookup is treated as carrying no signal.
func (c *Classifier) Classify(ctx context.Context, req Request) Verdict {
	addr, err := ParseAddress(req.Address)
	if err != nil {
		c.logger.Debug("reputation: rejecting client", "error", err)
		return Verdict{
			IsBot:          true,
			Reason:         string(LabelMalformedAddress),
			Labels:         []Label{LabelMalformedAddress},
			InvalidAddress: true,
		}
	}

	subject := req.Fingerprint
	if subject == "" {
		subject = addr.String()
	}
	labels := c.labels(ctx, subject, addr)

	v := Verdict{Labels: labels}
	for _, l := range labels {
		cat := l.Category()
		if !c.reject[cat] {
			continue
		}
		if !v.IsBot || rank(cat) < rank(v.Reason) {
			v.IsBot, v.Reason = true, cat
		}
	}

	if c.policy == nil {
		return v
	}
	d := c.policy.Decide(c.Attributes(ctx, req, addr, labels))
	if !d.Matched {
		return v
	}
	v.Rule = d.Rule
	switch d.Action {
	case rules.ActionAllow:
		v.IsBot, v.Reason = false, ReasonPolicy+d.Rule
	case rules.ActionDeny:
		if !v.IsBot {
			v.IsBot, v.Reason = true, ReasonPolicy+d.Rule
		}
	}
	return v
}

// labels returns the merged labels for addr. Remote answers come from the
// cache when present.
func (c *Classifier) labels(ctx context.Context, subject string, addr netip.Addr) []Label {
	merged, _ := c.lookup(ctx, c.local, addr)
	if len(c.remote) == 0 {
		return normalize(merged)
	}

	if cached, ok := c.memo.Get(ctx, subject); ok {
		return normalize(append(merged, cached...))
	}
	remote, complete := c.lookup(ctx, c.remote, addr)
	remote = normalize(remote)
	// A partial answer is used for this request but not remembered.
	if complete {
		if err := c.memo.Put(ctx, subject, remote); err != nil {
			c.logger.Warn("reputation: cache labels", "error", err)
		}
	}
	return normalize(append(merged, remote...))
}

// lookup queries sources in parallel under the lookup timeout. complete is
// false when any source failed.
func (c *Classifier) lookup(ctx context.Context, sources []Source, addr netip.Addr) (labels []Label, complete bool) {
	if len(sources) == 0 {
		return nil, true
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		source string
		labels []Label
		err    error
	}
	results := make(chan result, len(sources))
	for _, s := range sources {
		go func(s Source) {
			labels, err := s.Lookup(lookupCtx, addr)
			results <- result{source: s.Name(), labels: labels, err: err}
		}(s)
	}

	complete = true
	for range sources {
		r := <-results
		if r.err != nil {
			complete = false
			c.logLookupError(r.source, r.err)
			continue
		}
		labels = append(labels, r.labels...)
	}
	return labels, complete
}

func (c *Classifier) logLookupError(source string, err error) {
	if errors.Is(err, ErrLookupTimeout) {
		c.logger.Warn("reputation: lookup timed out", "source", source)
		return
	}
	c.logger.Warn("reputation: lookup failed", "source", source, "error", err)
}

// Attributes assembles the attribute map policy rules are evaluated against.
func (c *Classifier) Attributes(ctx context.Context, req Request, addr netip.Addr, labels []Label) rules.Attributes {
	attrs := rules.Attributes{}

	if c.geo != nil {
		geoCtx, cancel := context.WithTimeout(ctx, c.timeout)
		info, err := c.geo.Geo(geoCtx, addr)
		cancel()
		if err != nil {
			c.logLookupError("geo", err)
		} else {
			for k, v := range info.Attributes() {
				attrs[k] = v
			}
		}
	}

	for k, v := range ParseUserAgent(req.UserAgent).Attributes() {
		attrs[k] = v
	}
	for k, v := range req.Attributes {
		attrs[k] = v
	}

	version := 4
	if addr.Is6() && !addr.Is4In6() {
		version = 6
	}
	names := make([]string, len(labels))
	categories := make(map[string]bool, len(labels))
	for i, l := range labels {
		names[i] = string(l)
		categories[l.Category()] = true
		if p, ok := l.VPNProvider(); ok {
			attrs["vpn_provider"] = p
		}
	}

	attrs["ip"] = addr.String()
	attrs["ip_version"] = version
	attrs["user_agent"] = req.UserAgent
	attrs["labels"] = names
	attrs["is_invalid_ip"] = false
	attrs["is_vpn"] = categories[CategoryVPN]
	attrs["is_proxy"] = categories[string(LabelProxy)]
	attrs["is_datacenter"] = categories[string(LabelDatacenter)]
	attrs["is_forum_spammer"] = categories[string(LabelForumSpammer)]
	attrs["is_threat_list"] = categories[string(LabelThreatList)]
	attrs["is_tor"] = categories[string(LabelTorExitNode)]
	return attrs
}
