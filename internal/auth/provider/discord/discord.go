package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"portal-auth/internal/auth"
	"portal-auth/internal/logger"

	"golang.org/x/oauth2"
)

const (
	ProviderName = "discord"

	scopeJoin = "guilds.join"

	defaultAuthURL  = "https://discord.com/oauth2/authorize"
	defaultTokenURL = "https://discord.com/api/oauth2/token"
	defaultAPIBase  = "https://discord.com/api/v10"
	avatarCDN       = "https://cdn.discordapp.com/avatars"
)

// Config for the Discord provider. Empty URLs use Discord's endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL    string
	TokenURL   string
	APIBaseURL string
	HTTPClient *http.Client
}

// Provider implements OAuth2 login against Discord. The access token is
// returned with the identity because it carries the guilds.join scope.
type Provider struct {
	oauthConfig *oauth2.Config
	apiBase     string
	httpClient  *http.Client
}

func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("%w: discord oauth config missing required fields", auth.ErrConfiguration)
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	return &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"identify", "email", scopeJoin},
		},
		apiBase:    strings.TrimRight(cfg.APIBaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}, nil
}

// Name returns the provider identifier used by the registry.
func (p *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL builds the OAuth authorization URL with PKCE parameters.
func (p *Provider) AuthCodeURL(state string, codeChallenge string) string {
	return p.oauthConfig.AuthCodeURL(
		state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode exchanges the authorization code and fetches the user
// profile. No account decisions are made here.
func (p *Provider) ExchangeCode(
	ctx context.Context,
	code string,
	codeVerifier string,
) (*auth.Identity, error) {

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig.Exchange(
		ctx,
		code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: discord token exchange failed: %w", auth.ErrProvider, err)
	}

	profile, err := p.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("%w: discord profile missing id", auth.ErrProvider)
	}

	canJoin := grantedJoin(token)
	logger.Info("discord identity fetched", map[string]any{
		"subject_present": profile.ID != "",
		"email_present":   profile.Email != "",
		"email_verified":  profile.Verified,
		"can_join":        canJoin,
	})

	id := &auth.Identity{
		Provider:       ProviderName,
		ProviderUserID: profile.ID,
		EmailVerified:  profile.Verified,
		Handle:         profile.handle(),
		AvatarRef:      profile.avatarRef(),
		CanJoin:        canJoin,
	}
	// an unverified Discord email must not be matched against payers
	if profile.Verified {
		id.Email = profile.Email
	}
	if canJoin {
		id.AccessToken = token.AccessToken
	}
	return id, nil
}

type profile struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
	Verified   bool   `json:"verified"`
	Avatar     string `json:"avatar"`
}

func (p profile) handle() string {
	if p.GlobalName != "" {
		return p.GlobalName
	}
	return p.Username
}

func (p profile) avatarRef() string {
	if p.Avatar == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s.png", avatarCDN, p.ID, p.Avatar)
}

func (p *Provider) fetchProfile(ctx context.Context, token *oauth2.Token) (*profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/users/@me", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.oauthConfig.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: discord profile request failed: %w", auth.ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read discord profile: %w", auth.ErrProvider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: discord profile status %d", auth.ErrProvider, resp.StatusCode)
	}

	var out profile
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode discord profile: %w", auth.ErrProvider, err)
	}
	return &out, nil
}

// grantedJoin reports whether the token carries the join scope. A token
// response without a scope field is taken to grant what was requested.
func grantedJoin(token *oauth2.Token) bool {
	scope, ok := token.Extra("scope").(string)
	if !ok || scope == "" {
		return token.AccessToken != ""
	}
	for _, s := range strings.Fields(scope) {
		if s == scopeJoin {
			return true
		}
	}
	return false
}
