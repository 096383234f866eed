package openid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	defaultDiscoveryCacheTTL = 10 * time.Minute
	discoveryCacheCapacity   = 1024
	maxDiscoveryDocument     = 1 << 20
)

// ErrDiscoveryFailed wraps every reason a claimed identifier could not be
// resolved to a provider endpoint. Its message is shown to the user.
var ErrDiscoveryFailed = errors.New("openid: discovery failed")

var errMissingHTTPClient = errors.New("openid: http client required")

// Endpoint is a discovered provider for one claimed identifier.
type Endpoint struct {
	ServerURL string `json:"server_url"`
	ClaimedID string `json:"claimed_id"`
	LocalID   string `json:"local_id,omitempty"`
}

// Identity returns the identifier the provider knows the user by.
func (e Endpoint) Identity() string {
	if e.LocalID != "" {
		return e.LocalID
	}
	return e.ClaimedID
}

// DiscovererConfig wires HTML discovery.
type DiscovererConfig struct {
	HTTPClient *http.Client
	CacheTTL   time.Duration
	Logger     *zap.Logger
}

// Discoverer resolves claimed identifiers through HTML link discovery and
// caches the results.
type Discoverer struct {
	client *http.Client
	cache  *ttlcache.Cache[string, Endpoint]
	logger *zap.Logger
}

// NewDiscoverer constructs a discoverer.
func NewDiscoverer(cfg DiscovererConfig) (*Discoverer, error) {
	if cfg.HTTPClient == nil {
		return nil, errMissingHTTPClient
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultDiscoveryCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Endpoint](ttl),
		ttlcache.WithCapacity[string, Endpoint](discoveryCacheCapacity),
		ttlcache.WithDisableTouchOnHit[string, Endpoint](),
	)
	return &Discoverer{client: cfg.HTTPClient, cache: cache, logger: logger}, nil
}

// Discover normalizes the identifier and returns its provider endpoint.
func (d *Discoverer) Discover(ctx context.Context, identifier string) (Endpoint, error) {
	claimed, err := NormalizeIdentifier(identifier)
	if err != nil {
		return Endpoint{}, err
	}
	if item := d.cache.Get(claimed); item != nil {
		d.logger.Debug("openid discovery cache hit", zap.String("claimed_id", claimed))
		return item.Value(), nil
	}
	endpoint, err := d.fetch(ctx, claimed)
	if err != nil {
		d.logger.Info("openid discovery failed", zap.String("claimed_id", claimed), zap.Error(err))
		return Endpoint{}, err
	}
	d.cache.Set(claimed, endpoint, ttlcache.DefaultTTL)
	return endpoint, nil
}

func (d *Discoverer) fetch(ctx context.Context, claimed string) (Endpoint, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, claimed, nil)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	request.Header.Set("Accept", "text/html, application/xhtml+xml")
	response, err := d.client.Do(request)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: fetching %s: %v", ErrDiscoveryFailed, claimed, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return Endpoint{}, fmt.Errorf("%w: HTTP %d fetching %s", ErrDiscoveryFailed, response.StatusCode, claimed)
	}

	finalURL := response.Request.URL
	finalURL.Fragment = ""
	provider, localID := parseDiscoveryLinks(io.LimitReader(response.Body, maxDiscoveryDocument))
	if provider == "" {
		return Endpoint{}, fmt.Errorf("%w: no OpenID endpoint found at %s", ErrDiscoveryFailed, claimed)
	}
	serverURL, err := finalURL.Parse(provider)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid provider endpoint %q", ErrDiscoveryFailed, provider)
	}
	endpoint := Endpoint{ServerURL: serverURL.String(), ClaimedID: finalURL.String()}
	if localID != "" {
		endpoint.LocalID = localID
	}
	return endpoint, nil
}

// NormalizeIdentifier turns user input into a claimed identifier URL: the
// http scheme is assumed, fragments are dropped and an empty path becomes "/".
func NormalizeIdentifier(identifier string) (string, error) {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrDiscoveryFailed)
	}
	if strings.HasPrefix(trimmed, "xri://") || strings.HasPrefix(trimmed, "=") || strings.HasPrefix(trimmed, "@") {
		return "", fmt.Errorf("%w: XRI identifiers are not supported", ErrDiscoveryFailed)
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: invalid identifier %q", ErrDiscoveryFailed, identifier)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrDiscoveryFailed, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: identifier %q has no host", ErrDiscoveryFailed, identifier)
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String(), nil
}

// parseDiscoveryLinks scans the document head for the OpenID 2.0 provider
// and local identifier links.
func parseDiscoveryLinks(body io.Reader) (string, string) {
	var provider, localID string
	tokenizer := html.NewTokenizer(body)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return provider, localID
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == "head" {
				return provider, localID
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttributes := tokenizer.TagName()
			switch string(name) {
			case "body":
				return provider, localID
			case "link":
				if !hasAttributes {
					continue
				}
				rel, href := linkAttributes(tokenizer)
				for _, value := range strings.Fields(strings.ToLower(rel)) {
					switch value {
					case "openid2.provider":
						if provider == "" {
							provider = href
						}
					case "openid2.local_id":
						if localID == "" {
							localID = href
						}
					}
				}
			}
		}
	}
}

func linkAttributes(tokenizer *html.Tokenizer) (string, string) {
	var rel, href string
	for {
		key, value, more := tokenizer.TagAttr()
		switch string(key) {
		case "rel":
			rel = string(value)
		case "href":
			href = strings.TrimSpace(string(value))
		}
		if !more {
			return rel, href
		}
	}
}
