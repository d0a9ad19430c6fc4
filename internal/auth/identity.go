package auth

// Identity represents a normalized external authentication identity
// returned by an OAuth provider. It contains facts only, no decisions.
type Identity struct {
	Provider       string // e.g. "discord", "oidc"
	ProviderUserID string // provider-scoped unique user identifier (sub)
	Email          string // email returned by provider
	EmailVerified  bool   // whether provider asserts email ownership
	Handle         string
	AvatarRef      string

	// AccessToken is the caller-scoped token. It is only kept when the
	// provider granted community join capability.
	AccessToken string
	CanJoin     bool
}
