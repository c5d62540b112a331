package psd2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/odyssey-erp/bankrecon/internal/banking"
)

// DefaultTokenLifetime applies when the token endpoint omits expires_in.
const DefaultTokenLifetime = time.Hour

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

func (c *Client) oauthConfig(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthBase() + "/authorize",
			TokenURL:  c.cfg.AuthBase() + "/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// AuthorizationURL builds the consent redirect. scopes defaults to aisp.
func (c *Client) AuthorizationURL(redirectURI, state string, scopes ...string) (string, error) {
	if err := c.cfg.ConfigError(); err != nil {
		return "", err
	}
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	return c.oauthConfig(redirectURI, scopes).AuthCodeURL(state), nil
}

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (Token, error) {
	if err := c.cfg.ConfigError(); err != nil {
		return Token{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()

	tok, err := c.oauthConfig(redirectURI, nil).Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return Token{}, c.tokenError("token exchange", err, false)
	}
	c.logger.Info("rabobank token exchange succeeded")
	return c.convertToken(tok, ""), nil
}

// RefreshToken runs the refresh_token grant. The previous refresh token is
// kept when the server does not rotate it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Token, error) {
	if err := c.cfg.ConfigError(); err != nil {
		return Token{}, err
	}
	if refreshToken == "" {
		return Token{}, fmt.Errorf("%w: refresh token required", banking.ErrTokenMissing)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout())
	defer cancel()

	src := c.oauthConfig("", nil).TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return Token{}, c.tokenError("token refresh", err, true)
	}
	return c.convertToken(tok, refreshToken), nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) convertToken(tok *oauth2.Token, fallbackRefresh string) Token {
	out := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = fallbackRefresh
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		out.Scope = scope
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = c.now().Add(DefaultTokenLifetime)
	}
	return out
}

func (c *Client) tokenError(op string, err error, refresh bool) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) || rerr.Response == nil {
		return transportError(op, err)
	}
	body := strings.TrimSpace(string(rerr.Body))
	status := rerr.Response.StatusCode
	c.logger.Warn("rabobank token endpoint rejected request", slog.String("op", op), slog.Int("status", status))
	switch {
	case status == http.StatusUnauthorized && refresh:
		return fmt.Errorf("rabobank api: invalid refresh token: %w", banking.ErrTokenInvalid)
	case status == http.StatusUnauthorized:
		return fmt.Errorf("rabobank api: invalid credentials: %w", banking.ErrCredentials)
	case status == http.StatusBadRequest && !refresh:
		return fmt.Errorf("rabobank api: invalid authorization code or redirect uri: %s: %w", body, banking.ErrTokenInvalid)
	case status == http.StatusBadRequest:
		return fmt.Errorf("rabobank api: %s failed (%d): %s: %w", op, status, body, banking.ErrTokenInvalid)
	default:
		return fmt.Errorf("rabobank api: %s failed: %w", op, statusError(status, body))
	}
}
