package linkcode

import (
	"context"

	"portal-auth/internal/logger"
)

// Mailer delivers a link code to its owner. Template rendering and the
// transport belong to the implementation.
type Mailer interface {
	SendLinkCode(ctx context.Context, email, code string) error
}

// LogMailer records that a code was issued without delivering it. Used
// when no mail transport is configured; the code itself is never logged.
type LogMailer struct{}

func (LogMailer) SendLinkCode(_ context.Context, email, code string) error {
	logger.Warn("link code issued but no mail transport configured", map[string]any{
		"email":  email,
		"digits": len(code),
	})
	return nil
}
