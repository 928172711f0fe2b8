package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/humanify/server/internal/cache"
)

const DefaultStopForumSpamURL = "https://api.stopforumspam.org/api"

// StopForumSpam checks addresses against the StopForumSpam API. Answers are
// memoised in the spam namespace.
type StopForumSpam struct {
	endpoint string
	client   *http.Client
	memo     *cache.Memo[bool]
}

// NewStopForumSpam returns a source querying endpoint (empty for the
// public API).
func NewStopForumSpam(c *cache.Cache, endpoint string, timeout time.Duration) *StopForumSpam {
	if endpoint == "" {
		endpoint = DefaultStopForumSpamURL
	}
	return &StopForumSpam{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		memo:     cache.NewMemo[bool](c, cache.Spam),
	}
}

func (s *StopForumSpam) Name() string { return "stopforumspam" }

type sfsResponse struct {
	Success int `json:"success"`
	IP      struct {
		Appears   int `json:"appears"`
		Frequency int `json:"frequency"`
	} `json:"ip"`
}

// IsSpammer reports whether addr has been reported.
func (s *StopForumSpam) IsSpammer(ctx context.Context, addr netip.Addr) (bool, error) {
	addr = addr.Unmap()
	return s.memo.Resolve(ctx, addr.String(), func(ctx context.Context) (bool, error) {
		return s.query(ctx, addr)
	})
}

func (s *StopForumSpam) query(ctx context.Context, addr netip.Addr) (bool, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return false, fmt.Errorf("reputation: stopforumspam url: %w", err)
	}
	// The API takes a bare "json" flag, which url.Values cannot express.
	u.RawQuery = "ip=" + url.QueryEscape(addr.String()) + "&json"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("reputation: stopforumspam request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("reputation: stopforumspam: %w", asTimeout(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("reputation: stopforumspam: status %d", resp.StatusCode)
	}

	var body sfsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("reputation: stopforumspam decode: %w", err)
	}
	if body.Success != 1 {
		return false, errors.New("reputation: stopforumspam: unsuccessful response")
	}
	return body.IP.Appears > 0, nil
}

func (s *StopForumSpam) Lookup(ctx context.Context, addr netip.Addr) ([]Label, error) {
	spammer, err := s.IsSpammer(ctx, addr)
	if err != nil || !spammer {
		return nil, err
	}
	return []Label{LabelForumSpammer}, nil
}
