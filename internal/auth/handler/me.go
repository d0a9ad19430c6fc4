package handler

import (
	"errors"
	"net/http"

	"portal-auth/internal/account"
	"portal-auth/internal/auth/flow"
	"portal-auth/internal/middleware"

	"github.com/gin-gonic/gin"
)

func (h *Handler) me(c *gin.Context) {
	accountID := c.GetString(middleware.ContextAccountID)

	a, decision, err := h.flow.Current(c.Request.Context(), accountID)
	if errors.Is(err, account.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
		return
	}
	if err != nil {
		writePipelineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": flow.ProfileOf(a),
		"access": gin.H{
			"granted": decision.Granted,
			"reason":  decision.Reason,
		},
	})
}
