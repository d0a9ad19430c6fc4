package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"portal-auth/internal/access"
	"portal-auth/internal/account"
	"portal-auth/internal/auth"
	"portal-auth/internal/auth/flow"
	"portal-auth/internal/auth/provider"
	"portal-auth/internal/logger"
	"portal-auth/internal/middleware"
	"portal-auth/internal/session"

	"github.com/gin-gonic/gin"
)

// Flow is the authentication pipeline the handlers drive.
type Flow interface {
	SocialLogin(ctx context.Context, id *auth.Identity, priorAccountID string) (*flow.Outcome, error)
	CheckoutComplete(ctx context.Context, sessionID string) (*flow.Outcome, error)
	RequestLinkCode(ctx context.Context, email string) (bool, error)
	VerifyLinkCode(ctx context.Context, email, code, priorAccountID string) (*flow.Outcome, error)
	Current(ctx context.Context, accountID string) (*account.Account, access.Decision, error)
}

type Config struct {
	FrontendURL  string
	CookieSecure bool
}

type Handler struct {
	providers    *provider.Registry
	flow         Flow
	auth         *middleware.AuthMiddleware
	frontendURL  string
	cookieSecure bool
}

func NewHandler(
	registry *provider.Registry,
	f Flow,
	authMiddleware *middleware.AuthMiddleware,
	cfg Config,
) *Handler {
	return &Handler{
		providers:    registry,
		flow:         f,
		auth:         authMiddleware,
		frontendURL:  cfg.FrontendURL,
		cookieSecure: cfg.CookieSecure,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/oauth/login/:provider", h.login)
	r.GET("/oauth/callback/:provider", h.callback)

	r.POST("/auth/checkout/complete", h.checkoutComplete)
	r.POST("/auth/link/request", h.linkRequest)
	r.POST("/auth/link/verify", h.linkVerify)
	r.POST("/auth/logout", h.Logout)

	api := r.Group("/api")
	api.Use(middleware.GinRequireAuth(h.auth))
	api.GET("/me", h.me)

	for _, route := range r.Routes() {
		logger.Debug("route registered", map[string]any{
			"method": route.Method,
			"path":   route.Path,
		})
	}
}

func (h *Handler) login(c *gin.Context) {
	providerName := c.Param("provider")

	p, err := h.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown oauth provider",
		})
		return
	}

	state, err := h.generateState(c)
	if err != nil {
		h.redirectError(c, auth.CodeServerError)
		return
	}
	codeChallenge, err := h.generatePKCE(c)
	if err != nil {
		h.redirectError(c, auth.CodeServerError)
		return
	}

	authURL := p.AuthCodeURL(state, codeChallenge)
	c.Redirect(http.StatusFound, authURL)
}

func (h *Handler) callback(c *gin.Context) {
	providerName := c.Param("provider")

	p, err := h.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "unknown oauth provider",
		})
		return
	}

	valid := validateState(c)
	codeVerifier := pkceVerifier(c)
	h.clearFlowCookies(c)

	if !valid {
		h.redirectError(c, auth.CodeInvalidState)
		return
	}

	// CASE 1: the provider reported an error (denied consent, etc.)
	if errParam := c.Query("error"); errParam != "" {
		logger.Warn("oauth callback returned error", map[string]any{
			"provider": providerName,
			"error":    errParam,
			"desc":     c.Query("error_description"),
		})
		h.redirectError(c, auth.CodeProviderError)
		return
	}

	// CASE 2: normal OAuth callback
	code := c.Query("code")
	if code == "" {
		h.redirectError(c, auth.CodeMissingCode)
		return
	}
	if codeVerifier == "" {
		h.redirectError(c, auth.CodeInvalidState)
		return
	}

	identity, err := p.ExchangeCode(
		c.Request.Context(),
		code,
		codeVerifier,
	)
	if err != nil {
		logger.Warn("oauth code exchange failed", map[string]any{
			"provider": providerName,
			"error":    err.Error(),
		})
		h.redirectError(c, auth.CodeProviderError)
		return
	}

	out, err := h.flow.SocialLogin(c.Request.Context(), identity, h.priorAccountID(c))
	if err != nil {
		_, errCode := errorStatus(err)
		h.redirectError(c, errCode)
		return
	}
	if !out.Granted {
		h.redirectError(c, out.Code)
		return
	}

	h.setCredential(c, out)

	user, _ := json.Marshal(flow.ProfileOf(out.Account))
	h.redirect(c, url.Values{
		"token": {out.Token},
		"user":  {string(user)},
	})
}

// Logout clears the credential cookie. Credentials are stateless, so a
// copied bearer token stays valid until it expires.
func (h *Handler) Logout(c *gin.Context) {
	session.ClearCookie(c.Writer, session.CookieOptions{
		Secure: h.cookieSecure,
	})
	c.Status(http.StatusNoContent)
}

func (h *Handler) priorAccountID(c *gin.Context) string {
	if claims := h.auth.Optional(c.Request); claims != nil {
		return claims.AccountID()
	}
	return ""
}

func (h *Handler) setCredential(c *gin.Context, out *flow.Outcome) {
	session.SetCookie(c.Writer, out.Token, out.ExpiresAt, session.CookieOptions{
		Secure: h.cookieSecure,
	})
}

func (h *Handler) redirectError(c *gin.Context, code string) {
	if code == "" {
		code = auth.CodeServerError
	}
	h.redirect(c, url.Values{"error": {code}})
}

func (h *Handler) redirect(c *gin.Context, params url.Values) {
	u, err := url.Parse(h.frontendURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": auth.CodeServerError})
		return
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, u.String())
}
