package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/macjediwizard/crmcalsync/internal/calendar"
	"golang.org/x/oauth2"
)

// Issuer is the issuer of Google id_tokens.
const Issuer = "https://accounts.google.com"

var (
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenVerify      = errors.New("token verification failed")
	ErrMissingEmail     = errors.New("email claim is required")
	ErrNoRefreshToken   = errors.New("no refresh token granted")
	ErrEmailNotVerified = errors.New("email is not verified")
)

// Grant is the result of a completed consent.
type Grant struct {
	Token *calendar.Token
	Email string
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Connector runs the OAuth consent flow for a calendar account.
type Connector struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	http     *http.Client
}

// NewConnector creates a Connector that verifies id_tokens with verifier.
func NewConnector(oauth *oauth2.Config, verifier *oidc.IDTokenVerifier, httpClient *http.Client) *Connector {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Connector{oauth: oauth, verifier: verifier, http: httpClient}
}

// DiscoverConnector loads Google's signing keys through OIDC discovery.
func DiscoverConnector(ctx context.Context, oauth *oauth2.Config) (*Connector, error) {
	provider, err := oidc.NewProvider(ctx, Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover google issuer: %w", err)
	}
	return NewConnector(oauth, provider.Verifier(&oidc.Config{ClientID: oauth.ClientID}), nil), nil
}

// AuthCodeURL returns the consent URL. Offline access with a forced prompt
// makes Google issue a refresh token on every connect.
func (c *Connector) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a credential and the verified
// email of the account that granted it.
func (c *Connector) Exchange(ctx context.Context, code string) (*Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}
	if claims.Email == "" {
		return nil, ErrMissingEmail
	}
	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}

	return &Grant{Token: ConvertToken(tok), Email: claims.Email}, nil
}
