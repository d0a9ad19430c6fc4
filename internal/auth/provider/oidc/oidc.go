package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"portal-auth/internal/auth"
	"portal-auth/internal/logger"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const defaultName = "oidc"

// Config for a generic OpenID Connect provider. PublicAuthURL overrides
// the discovered authorization endpoint when the issuer is reached over
// an internal address.
type Config struct {
	Name          string
	Issuer        string
	ClientID      string
	ClientSecret  string
	RedirectURL   string
	PublicAuthURL string
	HTTPClient    *http.Client
}

// Provider implements OAuth + OIDC authentication against any discovery
// capable issuer. It has no community join capability.
type Provider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *gooidc.IDTokenVerifier
	httpClient  *http.Client
}

// New initializes the provider using discovery.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("%w: oidc config missing required fields", auth.ErrConfiguration)
	}
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	oidcProvider, err := gooidc.NewProvider(gooidc.ClientContext(ctx, cfg.HTTPClient), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to init oidc provider %s: %w", cfg.Issuer, err)
	}

	ep := oidcProvider.Endpoint()
	if cfg.PublicAuthURL != "" {
		ep.AuthURL = cfg.PublicAuthURL
	}

	return &Provider{
		name: cfg.Name,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     ep,
			Scopes: []string{
				gooidc.ScopeOpenID,
				"profile",
				"email",
			},
		},
		verifier:   oidcProvider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		httpClient: cfg.HTTPClient,
	}, nil
}

// Name returns the provider identifier used by the registry.
func (p *Provider) Name() string {
	return p.name
}

// AuthCodeURL builds the OAuth authorization URL with PKCE parameters.
func (p *Provider) AuthCodeURL(state string, codeChallenge string) string {
	return p.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges the authorization code and returns a normalized identity.
// This method MUST NOT create accounts or perform linking logic.
func (p *Provider) ExchangeCode(
	ctx context.Context,
	code string,
	codeVerifier string,
) (*auth.Identity, error) {

	ctx = gooidc.ClientContext(ctx, p.httpClient)

	token, err := p.oauthConfig.Exchange(
		ctx,
		code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s token exchange failed: %w", auth.ErrProvider, p.name, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: %s did not return id_token", auth.ErrProvider, p.name)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %s id_token verification failed: %w", auth.ErrProvider, p.name, err)
	}

	var claims struct {
		Subject           string `json:"sub"`
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		PreferredUsername string `json:"preferred_username"`
		Name              string `json:"name"`
		Picture           string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %s id_token claims parse failed: %w", auth.ErrProvider, p.name, err)
	}
	if claims.Subject == "" {
		return nil, errors.New("oidc id_token missing subject")
	}

	logger.Info("oidc verified", map[string]any{
		"provider":        p.name,
		"issuer":          idToken.Issuer,
		"subject_present": claims.Subject != "",
		"email_present":   claims.Email != "",
		"email_verified":  claims.EmailVerified,
		"expiry_unix":     idToken.Expiry.Unix(),
	})

	handle := claims.PreferredUsername
	if handle == "" {
		handle = claims.Name
	}

	id := &auth.Identity{
		Provider:       p.name,
		ProviderUserID: claims.Subject,
		EmailVerified:  claims.EmailVerified,
		Handle:         handle,
		AvatarRef:      claims.Picture,
	}
	if claims.EmailVerified {
		id.Email = claims.Email
	}
	return id, nil
}
