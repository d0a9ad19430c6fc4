package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"portal-auth/internal/config"
	"portal-auth/internal/logger"
	"portal-auth/internal/telemetry"
)

type App struct {
	httpServer *http.Server
	infra      *Infra
	services   *services

	stopBackground context.CancelFunc
	background     chan struct{}
	shutdownTracer func(context.Context) error
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	shutdownTracer, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Headers:     cfg.OTelHeaders,
		Sampler:     cfg.OTelSampler,
		SamplerArg:  cfg.OTelSamplerArg,
	})
	if err != nil {
		return nil, err
	}

	infra, err := setupInfra(ctx, cfg)
	if err != nil {
		_ = shutdownTracer(ctx)
		return nil, err
	}

	router, svcs, err := setupHTTP(ctx, cfg, infra)
	if err != nil {
		_ = infra.Close()
		_ = shutdownTracer(ctx)
		return nil, err
	}

	server := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a := &App{
		httpServer:     server,
		infra:          infra,
		services:       svcs,
		shutdownTracer: shutdownTracer,
		background:     make(chan struct{}),
	}

	bg, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel
	go func() {
		defer close(a.background)
		svcs.sweeper.Run(bg)
	}()

	return a, nil
}

// Run serves HTTP until Shutdown.
func (a *App) Run() error {
	err := a.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then drains background work in
// order: sweeper, community tasks, storage, tracing.
func (a *App) Shutdown(ctx context.Context) error {
	errs := []error{a.httpServer.Shutdown(ctx)}

	a.stopBackground()
	select {
	case <-a.background:
	case <-ctx.Done():
	}

	if a.services.agent != nil {
		if err := a.services.agent.Shutdown(ctx); err != nil {
			logger.Warn("community tasks cancelled during shutdown", map[string]any{
				"error": err.Error(),
			})
		}
	}

	errs = append(errs, a.infra.Close(), a.shutdownTracer(ctx))
	return errors.Join(errs...)
}
