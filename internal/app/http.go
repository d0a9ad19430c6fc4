package app

import (
	"context"
	"net/http"
	"time"

	"portal-auth/internal/account"
	"portal-auth/internal/auth/flow"
	"portal-auth/internal/auth/handler"
	"portal-auth/internal/auth/linkcode"
	"portal-auth/internal/auth/linker"
	"portal-auth/internal/auth/provider"
	"portal-auth/internal/auth/provider/discord"
	"portal-auth/internal/auth/provider/oidc"
	"portal-auth/internal/auth/resolver"
	"portal-auth/internal/auth/token"
	"portal-auth/internal/community"
	communitydiscord "portal-auth/internal/community/discord"
	"portal-auth/internal/config"
	"portal-auth/internal/httpx"
	"portal-auth/internal/logger"
	"portal-auth/internal/middleware"
	"portal-auth/internal/payment/stripe"
	"portal-auth/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const outboundTimeout = 20 * time.Second

// services are the long-lived collaborators that need an orderly stop.
type services struct {
	agent   *community.Agent
	sweeper *linker.Sweeper
}

func setupHTTP(ctx context.Context, cfg config.Config, infra *Infra) (http.Handler, *services, error) {

	// ----------------------------
	// Dependencies
	// ----------------------------

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: outboundTimeout})

	payments := stripe.NewClient(cfg.StripeAPIKey, httpClient)

	registry, err := setupProviders(ctx, cfg, httpClient)
	if err != nil {
		return nil, nil, err
	}

	tokens, err := token.NewIssuer(cfg.JWTSecret, cfg.JWTIssuer, token.TTLs{
		Social:   cfg.SocialTokenTTL,
		Checkout: cfg.CheckoutTTL,
		LinkCode: cfg.LinkCodeTTL,
	})
	if err != nil {
		return nil, nil, err
	}

	subscriptionLinker := linker.New(infra.Store, cfg.GracePeriod)

	var agent *community.Agent
	if cfg.CommunityEnabled() {
		roles := communitydiscord.NewClient(cfg.DiscordAPIBaseURL, cfg.DiscordBotToken, cfg.DiscordGuildID, httpClient)
		agent = community.NewAgent(roles, cfg.DiscordRoleID, community.DefaultTimeouts())
	} else {
		logger.Info("community sync disabled", nil)
	}

	svc := flow.New(flow.Deps{
		Store:             infra.Store,
		Resolver:          resolver.NewStoreResolver(infra.Store, payments),
		Linker:            subscriptionLinker,
		Payments:          payments,
		Tokens:            tokens,
		Community:         agent,
		LinkCodes:         linkcode.New(infra.Redis.Client, setupMailer(cfg, httpClient), linkcode.WithTTL(cfg.LinkCodeExpiry)),
		CommunityProvider: discord.ProviderName,
	})

	sweeper := linker.NewSweeper(infra.Store, subscriptionLinker, payments, cfg.SweepInterval, svc.Revoke)

	authMiddleware := middleware.NewAuthMiddleware(tokens)
	authHandler := handler.NewHandler(registry, svc, authMiddleware, handler.Config{
		FrontendURL:  cfg.FrontendURL,
		CookieSecure: cfg.CookieSecure,
	})

	// ----------------------------
	// Router
	// ----------------------------

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	authHandler.RegisterRoutes(router)

	router.POST("/webhooks/stripe", gin.WrapH(stripe.NewWebhookHandler(cfg.StripeWebhookSecret, svc)))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler(infra.Store))

	// ----------------------------
	// Outer middleware
	// ----------------------------

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           int((12 * time.Hour).Seconds()),
	})

	var h http.Handler = router
	h = c.Handler(h)
	h = httpx.SecurityHeadersMiddleware(h)
	h = telemetry.HTTPMiddleware(cfg.ServiceName)(h)

	return h, &services{agent: agent, sweeper: sweeper}, nil
}

func setupProviders(ctx context.Context, cfg config.Config, httpClient *http.Client) (*provider.Registry, error) {
	discordProvider, err := discord.New(discord.Config{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.DiscordRedirectURL,
		APIBaseURL:   cfg.DiscordAPIBaseURL,
		HTTPClient:   httpClient,
	})
	if err != nil {
		return nil, err
	}

	list := []provider.OAuthProvider{discordProvider}

	if cfg.OIDCEnabled() {
		oidcProvider, err := oidc.New(ctx, oidc.Config{
			Issuer:        cfg.OIDCIssuer,
			ClientID:      cfg.OIDCClientID,
			ClientSecret:  cfg.OIDCClientSecret,
			RedirectURL:   cfg.OIDCRedirectURL,
			PublicAuthURL: cfg.OIDCPublicAuthURL,
			HTTPClient:    httpClient,
		})
		if err != nil {
			return nil, err
		}
		list = append(list, oidcProvider)
	}

	registry := provider.NewRegistry(list...)
	logger.Info("oauth providers registered", map[string]any{
		"providers": registry.Names(),
	})
	return registry, nil
}

func setupMailer(cfg config.Config, httpClient *http.Client) linkcode.Mailer {
	if !cfg.MailEnabled() {
		logger.Warn("no mail transport configured, link codes will not be delivered", nil)
		return linkcode.LogMailer{}
	}
	return linkcode.NewPostmarkMailer(cfg.PostmarkToken, cfg.MailFrom, cfg.PostmarkAPIURL, cfg.LinkCodeExpiry, httpClient)
}

func healthHandler(store account.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request", map[string]any{
			"method":      c.Request.Method,
			"route":       c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
		})
	}
}
