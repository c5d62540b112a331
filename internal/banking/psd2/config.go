// Package psd2 talks to the Rabobank PSD2 account-information API: OAuth2
// authorization-code and refresh grants, authenticated reads, and an mTLS
// pre-flight check.
package psd2

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// Provider is the only bank provider the sync path supports.
const Provider = "rabobank"

const (
	productionAPIBase  = "https://api.rabobank.nl/openapi"
	productionAuthBase = "https://api.rabobank.nl/oauth"
	sandboxAPIBase     = "https://api-sandbox.rabobank.nl/openapi"
	sandboxAuthBase    = "https://api-sandbox.rabobank.nl/oauth"

	// DefaultScope requests account information access.
	DefaultScope = "aisp"

	defaultTimeout     = 30 * time.Second
	defaultMTLSTimeout = 15 * time.Second
)

// Config carries client credentials and endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	Sandbox      bool
	// APIBaseURL and AuthBaseURL override the sandbox/production defaults.
	APIBaseURL  string
	AuthBaseURL string
	Timeout     time.Duration
	MTLSCertPEM string
	MTLSKeyPEM  string
}

// APIBase returns the resource server base URL without trailing slash.
func (c Config) APIBase() string {
	if c.APIBaseURL != "" {
		return strings.TrimRight(c.APIBaseURL, "/")
	}
	if c.Sandbox {
		return sandboxAPIBase
	}
	return productionAPIBase
}

// AuthBase returns the OAuth server base URL without trailing slash.
func (c Config) AuthBase() string {
	if c.AuthBaseURL != "" {
		return strings.TrimRight(c.AuthBaseURL, "/")
	}
	if c.Sandbox {
		return sandboxAuthBase
	}
	return productionAuthBase
}

// Available reports whether client credentials are configured.
func (c Config) Available() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// ConfigError names the first missing credential, or returns nil.
func (c Config) ConfigError() error {
	if c.ClientID == "" {
		return fmt.Errorf("%w: RABOBANK_CLIENT_ID is not set", banking.ErrCredentials)
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("%w: RABOBANK_CLIENT_SECRET is not set", banking.ErrCredentials)
	}
	return nil
}

// MTLSConfigured reports whether both client certificate and key are present.
func (c Config) MTLSConfigured() bool {
	return c.MTLSCertPEM != "" && c.MTLSKeyPEM != ""
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}
