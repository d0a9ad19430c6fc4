package handler

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"portal-auth/internal/utils"

	"github.com/gin-gonic/gin"
)

const (
	pkceCookieName = "__oauth_pkce"
	pkceTTL        = 5 * time.Minute
)

// generatePKCE stores a fresh S256 verifier in a cookie and returns its
// challenge for the authorization URL.
func (h *Handler) generatePKCE(c *gin.Context) (string, error) {
	verifier, err := utils.RandomString(32)
	if err != nil {
		return "", err
	}
	h.setFlowCookie(c, pkceCookieName, verifier, pkceTTL)

	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func pkceVerifier(c *gin.Context) string {
	cookie, err := c.Request.Cookie(pkceCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
