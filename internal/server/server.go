// Пакет server — HTTP-сервер Portal Module с graceful shutdown.
// Без TLS: HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/portal-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/config"
)

// Handlers — обработчики маршрутов портала.
type Handlers struct {
	Health  *handlers.HealthHandler
	Auth    *handlers.AuthHandler
	Session *handlers.SessionHandler
	Access  *handlers.AccessHandler
	State   *handlers.StateHandler
	Events  *handlers.EventsHandler

	// Activity получает сигналы активности от маршрутов интерфейса (может быть nil).
	Activity middleware.ActivityRecorder
}

// Server — HTTP-сервер Portal Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
	// cancelRequests завершает контексты запросов: долгие потоки событий
	// иначе задерживают Shutdown до таймаута.
	cancelRequests context.CancelFunc
}

// New создаёт сервер с маршрутами и middleware.
// authMW — аутентификация /api/v1/*.
func New(cfg *config.Config, logger *slog.Logger, h Handlers, authMW *middleware.Auth) *Server {
	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     NewRouter(logger, h, authMW),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout не задаётся: поток событий держит соединение
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	return &Server{
		httpServer:     srv,
		logger:         logger,
		cfg:            cfg,
		cancelRequests: cancel,
	}
}

// NewRouter собирает маршруты портала.
func NewRouter(logger *slog.Logger, h Handlers, authMW *middleware.Auth) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую
	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Get("/health/dependencies", h.Health.Dependencies)
	router.Get("/metrics", h.Health.GetMetrics)

	router.Route("/auth", func(r chi.Router) {
		r.Get("/login", h.Auth.Login)
		r.Get("/callback", h.Auth.Callback)
		r.Post("/logout", h.Auth.Logout)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(authMW.Middleware())

		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.Session.Get)
			r.Delete("/", h.Session.Delete)
			r.Post("/start", h.Session.Start)
			r.Post("/activity", h.Session.Activity)
			r.Post("/extend", h.Session.Extend)
		})

		// Пассивные запросы: приложение читает запись передачи,
		// вкладки держат поток событий
		r.Get("/handoff/{app}", h.Access.Handoff)
		r.Get("/events", h.Events.Stream)

		// Действия пользователя в интерфейсе продлевают бездействие
		r.Group(func(r chi.Router) {
			r.Use(middleware.Activity(h.Activity))

			r.Get("/me/permissions", h.Access.Permissions)
			r.Get("/me/access", h.Access.Access)
			r.Post("/launch/{app}", h.Access.Launch)

			r.Get("/state/{key}", h.State.Get)
			r.Put("/state/{key}", h.State.Put)
			r.Delete("/state/{key}", h.State.Delete)
		})
	})

	return router
}

// Run запускает сервер и ожидает SIGINT/SIGTERM, затем выполняет
// graceful shutdown.
func (s *Server) Run() error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	s.cancelRequests()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
