package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/humanify/server/internal/cache"
	"github.com/humanify/server/internal/rules"
)

const (
	// DefaultGeoURL is an ip-api compatible endpoint; the address is appended.
	DefaultGeoURL = "http://ip-api.com/json/"

	geoFields = "66846719"
)

// GeoInfo is the location and network owner of an address.
type GeoInfo struct {
	Continent     string  `json:"continent,omitempty"`
	ContinentCode string  `json:"continent_code,omitempty"`
	Country       string  `json:"country,omitempty"`
	CountryCode   string  `json:"country_code,omitempty"`
	Region        string  `json:"region,omitempty"`
	RegionCode    string  `json:"region_code,omitempty"`
	City          string  `json:"city,omitempty"`
	Zip           string  `json:"zip,omitempty"`
	Lat           float64 `json:"lat,omitempty"`
	Lon           float64 `json:"lon,omitempty"`
	Timezone      string  `json:"timezone,omitempty"`
	ISP           string  `json:"isp,omitempty"`
	Org           string  `json:"org,omitempty"`
	AS            string  `json:"as,omitempty"`
	ASCode        int     `json:"as_code,omitempty"`
	Mobile        bool    `json:"mobile,omitempty"`
	Proxy         bool    `json:"proxy,omitempty"`
	Hosting       bool    `json:"hosting,omitempty"`
}

// Attributes exposes the non-empty fields to policy rules.
func (g GeoInfo) Attributes() rules.Attributes {
	attrs := rules.Attributes{
		"mobile":  g.Mobile,
		"proxy":   g.Proxy,
		"hosting": g.Hosting,
	}
	set := func(k, v string) {
		if v != "" {
			attrs[k] = v
		}
	}
	set("continent", g.Continent)
	set("continent_code", g.ContinentCode)
	set("country", g.Country)
	set("country_code", g.CountryCode)
	set("region", g.Region)
	set("region_code", g.RegionCode)
	set("city", g.City)
	set("zip", g.Zip)
	set("timezone", g.Timezone)
	set("isp", g.ISP)
	set("org", g.Org)
	set("as", g.AS)
	if g.ASCode != 0 {
		attrs["as_code"] = g.ASCode
	}
	if g.Lat != 0 || g.Lon != 0 {
		attrs["lat"], attrs["lon"] = g.Lat, g.Lon
	}
	return attrs
}

// GeoSource resolves GeoInfo for an address.
type GeoSource interface {
	Geo(ctx context.Context, addr netip.Addr) (GeoInfo, error)
}

// GeoLookup queries an ip-api style service. Answers are memoised in the
// geo namespace, encrypted under the address.
type GeoLookup struct {
	endpoint string
	client   *http.Client
	memo     *cache.Memo[GeoInfo]
}

// NewGeoLookup returns a GeoSource querying endpoint (empty for ip-api).
func NewGeoLookup(c *cache.Cache, endpoint string, timeout time.Duration) *GeoLookup {
	if endpoint == "" {
		endpoint = DefaultGeoURL
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &GeoLookup{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		memo:     cache.NewMemo[GeoInfo](c, cache.Geo),
	}
}

func (g *GeoLookup) Geo(ctx context.Context, addr netip.Addr) (GeoInfo, error) {
	addr = addr.Unmap()
	return g.memo.Resolve(ctx, addr.String(), func(ctx context.Context) (GeoInfo, error) {
		return g.query(ctx, addr)
	})
}

type ipAPIResponse struct {
	Status        string  `json:"status"`
	Message       string  `json:"message"`
	Continent     string  `json:"continent"`
	ContinentCode string  `json:"continentCode"`
	Country       string  `json:"country"`
	CountryCode   string  `json:"countryCode"`
	Region        string  `json:"region"`
	RegionName    string  `json:"regionName"`
	City          string  `json:"city"`
	Zip           string  `json:"zip"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Timezone      string  `json:"timezone"`
	ISP           string  `json:"isp"`
	Org           string  `json:"org"`
	AS            string  `json:"as"`
	ASName        string  `json:"asname"`
	Mobile        bool    `json:"mobile"`
	Proxy         bool    `json:"proxy"`
	Hosting       bool    `json:"hosting"`
}

func (g *GeoLookup) query(ctx context.Context, addr netip.Addr) (GeoInfo, error) {
	u := g.endpoint + addr.String() + "?fields=" + geoFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("reputation: geo request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("reputation: geo: %w", asTimeout(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return GeoInfo{}, fmt.Errorf("reputation: geo: status %d", resp.StatusCode)
	}

	var body ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return GeoInfo{}, fmt.Errorf("reputation: geo decode: %w", err)
	}
	if body.Status != "success" {
		return GeoInfo{}, errors.New("reputation: geo: " + body.Message)
	}
	return body.toGeoInfo(), nil
}

func (r ipAPIResponse) toGeoInfo() GeoInfo {
	info := GeoInfo{
		Continent:     r.Continent,
		ContinentCode: r.ContinentCode,
		Country:       r.Country,
		CountryCode:   r.CountryCode,
		Region:        r.RegionName,
		RegionCode:    r.Region,
		City:          r.City,
		Zip:           r.Zip,
		Lat:           r.Lat,
		Lon:           r.Lon,
		Timezone:      r.Timezone,
		ISP:           r.ISP,
		Org:           r.Org,
		AS:            r.ASName,
		Mobile:        r.Mobile,
		Proxy:         r.Proxy,
		Hosting:       r.Hosting,
	}
	// "as" is "AS16509 Amazon.com, Inc."
	code, owner, _ := strings.Cut(r.AS, " ")
	if n, err := strconv.Atoi(strings.TrimPrefix(code, "AS")); err == nil {
		info.ASCode = n
	}
	if info.AS == "" {
		info.AS = owner
	}
	if strings.TrimSpace(info.Org) == "" {
		info.Org = owner
	}
	return info
}
