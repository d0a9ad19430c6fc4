package handler

import (
	"errors"
	"net/http"
	"strings"

	"portal-auth/internal/auth"
	"portal-auth/internal/auth/flow"
	"portal-auth/internal/logger"

	"github.com/gin-gonic/gin"
)

type linkRequest struct {
	Email string `json:"email"`
}

type linkVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// linkRequest always answers 202 so callers cannot probe which emails
// belong to paying customers.
func (h *Handler) linkRequest(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil || !strings.Contains(req.Email, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	_, err := h.flow.RequestLinkCode(c.Request.Context(), req.Email)
	if errors.Is(err, flow.ErrLinkCodesDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account linking is disabled"})
		return
	}
	if err != nil {
		logger.Error("link code request failed", map[string]any{
			"error": err.Error(),
		})
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) linkVerify(c *gin.Context) {
	var req linkVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Code == "" {
		writeError(c, http.StatusBadRequest, auth.CodeInvalidLinkCode)
		return
	}

	out, err := h.flow.VerifyLinkCode(c.Request.Context(), req.Email, req.Code, h.priorAccountID(c))
	if errors.Is(err, flow.ErrLinkCodesDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account linking is disabled"})
		return
	}
	if err != nil {
		writePipelineError(c, err)
		return
	}
	h.writeOutcome(c, out)
}
