package upstream

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// geoEndpoint is the best-effort IP geolocation service queried *through* the
// descriptor itself, so the reported location reflects the upstream's exit
// point rather than this host's. Mirrors original_source/upstream.py's
// resolve_location (spec.md §4.3, §9: "best-effort out-of-band").
const geoEndpoint = "http://ip-api.com/json/"

type geoResponse struct {
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	Query       string `json:"query"`
	Status      string `json:"status"`
}

// GeoLocator resolves a descriptor's exit location by issuing an HTTP request
// proxied through it. Failures are swallowed entirely; no selection decision
// may depend on the outcome.
type GeoLocator struct {
	log    *zap.Logger
	client func(proxyURL string) *http.Client
}

// NewGeoLocator constructs a GeoLocator with a 10s per-request timeout.
func NewGeoLocator(log *zap.Logger) *GeoLocator {
	return &GeoLocator{
		log: log,
		client: func(proxyURL string) *http.Client {
			return &http.Client{
				Timeout: 10 * time.Second,
				Transport: &http.Transport{
					Proxy: func(*http.Request) (*url.URL, error) {
						return url.Parse(proxyURL)
					},
				},
			}
		},
	}
}

// Resolve fills in d's location fields on success; any error (bad proxy,
// timeout, non-200, malformed body) is swallowed and leaves d unchanged.
func (g *GeoLocator) Resolve(d *Descriptor) {
	client := g.client(d.URL)
	resp, err := client.Get(geoEndpoint)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var data geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return
	}
	if data.CountryCode == "" {
		return
	}

	city := data.City
	if city == "" {
		city = "Unknown"
	}
	d.SetLocation(city+", "+data.CountryCode, data.CountryCode, data.Query)
}
