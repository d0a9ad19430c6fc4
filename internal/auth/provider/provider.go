package provider

import (
	"context"

	"portal-auth/internal/auth"
)

// OAuthProvider is a social identity source. It reports who the caller
// is and nothing else: account lookup, linking and access decisions
// happen downstream in the flow.
type OAuthProvider interface {
	// Name is the route segment under /oauth/login/:provider.
	Name() string

	// AuthCodeURL builds the authorization redirect for the given state
	// and S256 PKCE challenge.
	AuthCodeURL(state, codeChallenge string) string

	// ExchangeCode trades the callback code for a normalized identity.
	// Failures wrap auth.ErrProvider.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*auth.Identity, error)
}
