package openid

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPClientConfig controls outbound requests to providers.
type HTTPClientConfig struct {
	Timeout time.Duration
	// AllowPrivateNetworks disables the SSRF guard. Only for local providers.
	AllowPrivateNetworks bool
}

// NewHTTPClient returns the client used for discovery and direct provider
// requests. By default it refuses private, loopback and metadata addresses
// and non-standard ports.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	if cfg.AllowPrivateNetworks {
		return &http.Client{Timeout: timeout}
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}
