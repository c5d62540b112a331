package psd2

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
)

// MTLSResult is the outcome of a mutual-TLS pre-flight.
type MTLSResult struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

// CheckMTLS performs one GET against the API base URL presenting the client
// certificate. Any HTTP answer means the handshake succeeded; OAuth is not involved.
func (c *Client) CheckMTLS(ctx context.Context) MTLSResult {
	if !c.cfg.MTLSConfigured() {
		return MTLSResult{Message: "mTLS not configured: set RABOBANK_MTLS_CLIENT_KEY and RABOBANK_MTLS_FULLCHAIN"}
	}
	cert, err := tls.X509KeyPair([]byte(c.cfg.MTLSCertPEM), []byte(c.cfg.MTLSKeyPEM))
	if err != nil {
		return MTLSResult{Message: fmt.Sprintf("certificate/key pair invalid: %v", err)}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if base, ok := c.http.Transport.(*http.Transport); ok && base.TLSClientConfig != nil {
		// Keep the caller's trust roots (tests inject a self-signed CA).
		tlsConfig.RootCAs = base.TLSClientConfig.RootCAs
	}
	transport := &http.Transport{TLSClientConfig: tlsConfig}
	defer transport.CloseIdleConnections()
	hc := &http.Client{Transport: transport, Timeout: defaultMTLSTimeout}

	ctx, cancel := context.WithTimeout(ctx, defaultMTLSTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIBase(), nil)
	if err != nil {
		return MTLSResult{Message: err.Error()}
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Warn("mtls pre-flight failed", slog.Any("error", err))
		return MTLSResult{Message: fmt.Sprintf("connection failed: %v", err)}
	}
	_ = resp.Body.Close()
	return MTLSResult{
		OK:         true,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("connected (HTTP %d), mTLS handshake succeeded", resp.StatusCode),
	}
}
