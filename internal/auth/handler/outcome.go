package handler

import (
	"errors"
	"net/http"

	"portal-auth/internal/auth"
	"portal-auth/internal/auth/flow"
	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/logger"

	"github.com/gin-gonic/gin"
)

var messages = map[string]string{
	auth.CodeMissingCode:          "a required code or session id was missing or unknown",
	auth.CodeInvalidState:         "the login request expired, please try again",
	auth.CodeProviderError:        "an upstream provider failed, please try again",
	auth.CodeSubscriptionRequired: "an active subscription is required",
	auth.CodeInvalidLinkCode:      "the code is invalid or expired",
	auth.CodeServerError:          "internal error",
}

// errorStatus maps a pipeline error to an HTTP status and error code.
// Only configuration and store failures are server errors.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, linkcode.ErrInvalidCode), errors.Is(err, linkcode.ErrTooManyAttempts):
		return http.StatusBadRequest, auth.CodeInvalidLinkCode
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusBadRequest, auth.CodeMissingCode
	case errors.Is(err, auth.ErrProvider):
		return http.StatusBadGateway, auth.CodeProviderError
	case errors.Is(err, auth.ErrAccessDenied):
		return http.StatusForbidden, auth.CodeSubscriptionRequired
	default:
		logger.Error("authentication pipeline failed", map[string]any{
			"error": err.Error(),
		})
		return http.StatusInternalServerError, auth.CodeServerError
	}
}

func writeError(c *gin.Context, status int, code string) {
	c.JSON(status, gin.H{
		"error":   code,
		"message": messages[code],
	})
}

func writePipelineError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	writeError(c, status, code)
}

// writeOutcome answers a JSON entry path. A granted outcome also sets
// the credential cookie.
func (h *Handler) writeOutcome(c *gin.Context, out *flow.Outcome) {
	if !out.Granted {
		writeError(c, http.StatusForbidden, out.Code)
		return
	}
	h.setCredential(c, out)
	c.JSON(http.StatusOK, gin.H{
		"token":      out.Token,
		"expires_at": out.ExpiresAt,
		"user":       flow.ProfileOf(out.Account),
	})
}
