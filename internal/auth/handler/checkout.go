package handler

import (
	"net/http"

	"portal-auth/internal/auth"

	"github.com/gin-gonic/gin"
)

type checkoutRequest struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) checkoutComplete(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		writeError(c, http.StatusBadRequest, auth.CodeMissingCode)
		return
	}

	out, err := h.flow.CheckoutComplete(c.Request.Context(), req.SessionID)
	if err != nil {
		writePipelineError(c, err)
		return
	}
	h.writeOutcome(c, out)
}
