// Пакет service — бизнес-логика Portal Module.
// session.go — жизненный цикл сессии пользователя: отслеживание
// бездействия, выход по таймауту и по запросу.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/idle"
	"github.com/bigkaa/goartstore/portal-module/internal/permission"
)

// Типы событий в топике session:<user>.
const (
	EventSessionStarted   = "session.started"
	EventSessionExtended  = "session.extended"
	EventSessionTimeout   = "session.timeout"
	EventSessionSignedOut = "session.signed_out"
	// EventActivity — сигнал активности в топике activity:<user>.
	EventActivity = "session.activity"
)

var signOutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_session_signouts_total",
	Help: "Количество выходов из портала по причине и результату удалённого выхода.",
}, []string{"reason", "result"})

// SignOuter завершает сессию пользователя у сервиса аутентификации.
type SignOuter interface {
	SignOut(ctx context.Context, sess *auth.SessionData) error
}

// SessionStatus — состояние сессии пользователя.
type SessionStatus struct {
	Active       bool      `json:"active"`
	RemainingMs  int64     `json:"remaining_ms"`
	TimeoutMs    int64     `json:"timeout_ms"`
	WarningMs    int64     `json:"warning_ms"`
	LastActivity time.Time `json:"last_activity,omitzero"`
}

// SessionConfig — параметры SessionService.
type SessionConfig struct {
	Idle     idle.Config
	MaxUsers int
	// SignOutTimeout ограничивает удалённый выход.
	SignOutTimeout time.Duration
}

// SessionService связывает менеджеры бездействия, резолверы прав
// и передачу учётных данных одного пользователя.
type SessionService struct {
	cfg      SessionConfig
	idle     *idle.Registry
	perms    *permission.Registry
	launcher *handoff.Launcher
	bus      *bus.Bus
	signOut  SignOuter
	logger   *slog.Logger

	// Последняя известная сессия Keycloak по пользователю: нужна для
	// удалённого выхода по таймауту, когда запроса с cookie нет.
	credentials *lru.Cache[string, auth.SessionData]
	// Момент завершения сессии по пользователю. Учётные данные, выданные
	// не позже него, отклоняются до повторного входа.
	ended *expirable.LRU[string, sessionEnd]
	// now — настенные часы: с ними сравнивается время выдачи cookie и JWT.
	now func() time.Time
}

// NewSessionService создаёт сервис сессий. signOut может быть nil.
func NewSessionService(
	cfg SessionConfig,
	clock clockwork.Clock,
	b *bus.Bus,
	perms *permission.Registry,
	launcher *handoff.Launcher,
	signOut SignOuter,
	logger *slog.Logger,
) (*SessionService, error) {
	if cfg.SignOutTimeout <= 0 {
		cfg.SignOutTimeout = 10 * time.Second
	}

	// Отметка о завершении нужна не дольше срока жизни cookie
	endedTTL := time.Duration(auth.SessionCookieMaxAge) * time.Second

	s := &SessionService{
		cfg:      cfg,
		perms:    perms,
		launcher: launcher,
		bus:      b,
		signOut:  signOut,
		logger:   logger.With(slog.String("component", "session_service")),
		ended:    expirable.NewLRU[string, sessionEnd](cfg.MaxUsers, nil, endedTTL),
		now:      time.Now,
	}

	credentials, err := lru.New[string, auth.SessionData](cfg.MaxUsers)
	if err != nil {
		return nil, fmt.Errorf("создание кэша сессий: %w", err)
	}
	s.credentials = credentials

	registry, err := idle.NewRegistry(cfg.Idle, clock, b, cfg.MaxUsers, s.handleTimeout, logger)
	if err != nil {
		return nil, err
	}
	s.idle = registry

	return s, nil
}

// Remember сохраняет актуальную сессию Keycloak пользователя.
func (s *SessionService) Remember(sess *auth.SessionData) {
	if sess == nil || sess.UserID == "" {
		return
	}
	s.credentials.Add(sess.UserID, *sess)
}

// Ended сообщает, что учётные данные пользователя, выданные в issuedAt,
// относятся к уже завершённой сессии, и возвращает причину завершения.
func (s *SessionService) Ended(userID string, issuedAt time.Time) (model.SignOutReason, bool) {
	end, ok := s.ended.Get(userID)
	if !ok || issuedAt.After(end.at) {
		return "", false
	}
	return end.reason, true
}

// Start начинает (или продолжает) отслеживание бездействия пользователя
// и запускает определение его прав.
func (s *SessionService) Start(id model.Identity, sess *auth.SessionData) (SessionStatus, error) {
	s.Remember(sess)

	m, err := s.idle.Start(id.ID)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("запуск отслеживания бездействия: %w", err)
	}
	s.perms.Bind(id)

	status := s.statusOf(m)
	s.bus.Publish(bus.SessionTopic(id.ID), EventSessionStarted, status)
	s.logger.Info("Сессия начата", slog.String("user_id", id.ID))
	return status, nil
}

// Activity передаёт сигнал активности менеджеру пользователя.
func (s *SessionService) Activity(userID string) (SessionStatus, error) {
	m, ok := s.idle.Get(userID)
	if !ok || !m.IsActive() {
		return SessionStatus{}, ErrNoSession
	}
	s.bus.Publish(bus.ActivityTopic(userID), EventActivity, nil)
	return s.statusOf(m), nil
}

// Touch публикует сигнал активности без проверки сессии.
// Менеджер, если он есть, сам подписан на топик активности.
func (s *SessionService) Touch(userID string) {
	s.bus.Publish(bus.ActivityTopic(userID), EventActivity, nil)
}

// Extend продлевает сессию («остаться в системе»).
func (s *SessionService) Extend(userID string) (SessionStatus, error) {
	m, ok := s.idle.Get(userID)
	if !ok || !m.IsActive() {
		return SessionStatus{}, ErrNoSession
	}
	m.ExtendSession()

	status := s.statusOf(m)
	s.bus.Publish(bus.SessionTopic(userID), EventSessionExtended, status)
	return status, nil
}

// Status возвращает состояние сессии без изменения таймеров.
func (s *SessionService) Status(userID string) SessionStatus {
	m, ok := s.idle.Get(userID)
	if !ok {
		return SessionStatus{
			TimeoutMs: s.cfg.Idle.Timeout.Milliseconds(),
			WarningMs: s.cfg.Idle.Warning.Milliseconds(),
		}
	}
	return s.statusOf(m)
}

// SignOut завершает сессию по запросу пользователя. Локальное состояние
// очищается всегда; ошибка удалённого выхода только логируется.
func (s *SessionService) SignOut(ctx context.Context, userID string, sess *auth.SessionData) {
	if sess == nil {
		if cached, ok := s.credentials.Peek(userID); ok {
			sess = &cached
		}
	}

	s.markEnded(userID, model.SignOutManual)
	s.idle.Stop(userID)
	s.dropLocal(userID)
	s.remoteSignOut(ctx, userID, sess, model.SignOutManual)

	s.bus.Publish(bus.SessionTopic(userID), EventSessionSignedOut, nil)
	s.logger.Info("Пользователь вышел из портала", slog.String("user_id", userID))
}

// Close останавливает все менеджеры бездействия.
func (s *SessionService) Close() {
	s.idle.Close()
}

// Tracked возвращает количество отслеживаемых пользователей.
func (s *SessionService) Tracked() int {
	return s.idle.Len()
}

// handleTimeout — выход по бездействию. Менеджер к этому моменту
// остановлен и удалён из реестра.
func (s *SessionService) handleTimeout(userID string) {
	// Отметка ставится до удалённого выхода: его ошибка не продлевает сессию
	s.markEnded(userID, model.SignOutTimeout)

	var sess *auth.SessionData
	if cached, ok := s.credentials.Peek(userID); ok {
		sess = &cached
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SignOutTimeout)
	defer cancel()
	s.remoteSignOut(ctx, userID, sess, model.SignOutTimeout)

	// Локальный выход выполняется и при ошибке удалённого
	s.dropLocal(userID)
	s.bus.Publish(bus.SessionTopic(userID), EventSessionTimeout, nil)
	s.logger.Info("Выход по бездействию", slog.String("user_id", userID))
}

func (s *SessionService) remoteSignOut(ctx context.Context, userID string, sess *auth.SessionData, reason model.SignOutReason) {
	if s.signOut == nil || sess == nil {
		signOutsTotal.WithLabelValues(string(reason), "skipped").Inc()
		return
	}
	if err := s.signOut.SignOut(ctx, sess); err != nil {
		signOutsTotal.WithLabelValues(string(reason), "error").Inc()
		s.logger.Error("Ошибка удалённого выхода",
			slog.String("user_id", userID),
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()),
		)
		return
	}
	signOutsTotal.WithLabelValues(string(reason), "ok").Inc()
}

// sessionEnd — отметка о завершённой сессии.
type sessionEnd struct {
	at     time.Time
	reason model.SignOutReason
}

func (s *SessionService) markEnded(userID string, reason model.SignOutReason) {
	s.ended.Add(userID, sessionEnd{at: s.now(), reason: reason})
}

func (s *SessionService) dropLocal(userID string) {
	s.perms.Release(userID)
	s.launcher.CancelUser(userID)
	s.credentials.Remove(userID)
}

func (s *SessionService) statusOf(m *idle.Manager) SessionStatus {
	return SessionStatus{
		Active:       m.IsActive(),
		RemainingMs:  m.RemainingTime().Milliseconds(),
		TimeoutMs:    s.cfg.Idle.Timeout.Milliseconds(),
		WarningMs:    s.cfg.Idle.Warning.Milliseconds(),
		LastActivity: m.LastActivity(),
	}
}
