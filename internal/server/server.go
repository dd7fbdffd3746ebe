// Package server wires the application together: stores, channel
// factory, session manager, auto-reply engine, dispatch queue and the
// HTTP API on top of them.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lewisedginton/whatsapp_dispatch/internal/autoreply"
	"github.com/lewisedginton/whatsapp_dispatch/internal/businesshours"
	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/internal/channel/gateway"
	"github.com/lewisedginton/whatsapp_dispatch/internal/channel/slack"
	"github.com/lewisedginton/whatsapp_dispatch/internal/channel/telegram"
	"github.com/lewisedginton/whatsapp_dispatch/internal/config"
	"github.com/lewisedginton/whatsapp_dispatch/internal/dispatch"
	"github.com/lewisedginton/whatsapp_dispatch/internal/middleware"
	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
	"github.com/lewisedginton/whatsapp_dispatch/internal/store/postgres"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/health"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/health/checkers"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/httpmiddleware"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/utils"
)

// Server owns the application components and the HTTP listener.
type Server struct {
	cfg     *config.AppConfig
	logger  logger.Logger
	metrics *metrics.Metrics

	pool    *pgxpool.Pool
	manager *session_manager.Manager
	engine  *autoreply.Engine
	queue   *dispatch.Queue
	checker *health.Checker

	httpServer *http.Server
}

// New builds the full component graph from configuration. Nothing is
// started yet; call Start after New returns.
func New(ctx context.Context, cfg *config.AppConfig, log logger.Logger) (*Server, error) {
	m := metrics.NewMetrics(true, true, log)

	pool, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if err := postgres.Migrate(pool, log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	factory, err := newChannelFactory(cfg, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to build channel factory: %w", err)
	}

	manager := session_manager.NewManager(factory, postgres.NewSessionStore(pool), log, m)

	engine := autoreply.NewEngine(manager, autoReplyConfig(cfg), log, m)
	manager.SetInboundHandler(engine)

	queue := dispatch.NewQueue(postgres.NewScheduledMessageStore(pool), manager, log, m, cfg.Dispatch.Attempts)

	checker := health.New(
		health.WithTimeout(cfg.Health.CheckTimeout),
		health.WithFailureThreshold(cfg.Health.FailureThreshold),
		health.WithLogger(log),
	)
	checker.AddReadinessCheck(checkers.NewPostgresChecker(pool, "postgres"))
	if cfg.Channel.Driver == "gateway" {
		checker.AddReadinessCheck(checkers.NewHTTPChecker(gatewayHealthURL(cfg.Channel.GatewayURL), "gateway"))
	}

	s := &Server{
		cfg:     cfg,
		logger:  log,
		metrics: m,
		pool:    pool,
		manager: manager,
		engine:  engine,
		queue:   queue,
		checker: checker,
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router(),
		ReadTimeout: cfg.RequestTimeout,
		IdleTimeout: cfg.IdleTimeout,
	}

	return s, nil
}

// Start re-arms persisted state and begins serving. The returned
// channel carries listener failures from the API and metrics servers.
func (s *Server) Start(ctx context.Context) chan error {
	if err := s.manager.ResumePersisted(ctx); err != nil {
		s.logger.Error("failed to resume persisted sessions", logger.ErrorField(err))
	}
	if err := s.queue.Rearm(ctx); err != nil {
		s.logger.Error("failed to re-arm pending scheduled messages", logger.ErrorField(err))
	}

	httpErrs := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", logger.IntField("port", s.cfg.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrs <- err
		}
		close(httpErrs)
	}()

	if s.cfg.Metrics.Enabled {
		return utils.MergeErrorChans(httpErrs, s.metrics.Listen(s.cfg.Metrics.Port))
	}

	return httpErrs
}

// Shutdown stops accepting work, drains the dispatch queue's timers and
// disconnects every active session.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}

	s.queue.Stop()
	s.manager.Shutdown()

	if s.cfg.Metrics.Enabled {
		if err := s.metrics.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.pool.Close()
	s.logger.Info("server shut down")
	return firstErr
}

func (s *Server) router() chi.Router {
	router := chi.NewRouter()

	mwConfig := httpmiddleware.DefaultConfig()
	mwConfig.Logger = s.logger
	mwConfig.EnableLogging = true
	mwConfig.Timeout = s.cfg.RequestTimeout
	httpmiddleware.ApplyToRouter(router, mwConfig)

	router.Use(middleware.Recovery(middleware.DefaultRecoveryConfig(s.logger)))
	router.Use(s.metrics.HTTPMiddleware())

	router.Get("/health/liveness", s.checker.LivenessHandler())
	router.Get("/health/readiness", s.checker.ReadinessHandler())

	NewHandlers(s.manager, s.queue, s.logger).Routes(router)

	return router
}

func newChannelFactory(cfg *config.AppConfig, log logger.Logger) (channel.Factory, error) {
	switch cfg.Channel.Driver {
	case "gateway":
		factory, err := gateway.NewFactory(gateway.Config{
			URL:            cfg.Channel.GatewayURL,
			ProfileDir:     cfg.Channel.ProfileDir,
			RequestTimeout: cfg.Channel.RequestTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return factory, nil
	case "telegram":
		factory, err := telegram.NewFactory(telegram.Config{
			ProfileDir: cfg.Channel.ProfileDir,
			Debug:      cfg.Channel.Debug,
		}, log)
		if err != nil {
			return nil, err
		}
		return factory, nil
	case "slack":
		factory, err := slack.NewFactory(slack.Config{
			ProfileDir: cfg.Channel.ProfileDir,
			Debug:      cfg.Channel.Debug,
		}, log)
		if err != nil {
			return nil, err
		}
		return factory, nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Channel.Driver)
	}
}

func autoReplyConfig(cfg *config.AppConfig) autoreply.Config {
	replyConfig := autoreply.DefaultConfig()
	replyConfig.Greeting = cfg.AutoReply.Greeting
	replyConfig.InHoursBody = cfg.AutoReply.InHoursBody
	replyConfig.AfterHoursBody = cfg.AutoReply.AfterHoursBody
	replyConfig.FallbackName = cfg.AutoReply.FallbackName

	hours := businesshours.DefaultConfig()
	hours.StartHour = cfg.AutoReply.StartHour
	hours.EndHour = cfg.AutoReply.EndHour
	replyConfig.Hours = hours

	return replyConfig
}

// gatewayHealthURL derives the gateway's HTTP health endpoint from its
// websocket URL.
func gatewayHealthURL(wsURL string) string {
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	return strings.TrimSuffix(httpURL, "/") + "/health"
}
