package auth

import "errors"

// Outcome-level error taxonomy shared by the flow and the HTTP handlers.
// Store uniqueness violations live in the account package (ErrDuplicate)
// and community timeouts in the community package (ErrSyncTimeout).
var (
	// ErrConfiguration marks a missing secret or endpoint. Fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks a missing authorization code or credential.
	ErrNotFound = errors.New("credential not found")

	// ErrProvider wraps identity or payment provider failures.
	ErrProvider = errors.New("provider error")

	// ErrAccessDenied is returned when the resolved account lacks entitlement.
	ErrAccessDenied = errors.New("access denied")
)

// Error codes carried by redirects and JSON error responses.
const (
	CodeMissingCode          = "missing_code"
	CodeInvalidState         = "invalid_state"
	CodeProviderError        = "provider_error"
	CodeSubscriptionRequired = "subscription_required"
	CodeInvalidLinkCode      = "invalid_code"
	CodeServerError          = "server_error"
)
