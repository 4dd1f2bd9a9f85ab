package idle

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
)

// EventWarning — тип события предупреждения в топике сессии.
const EventWarning = "session.warning"

// WarningPayload — данные события session.warning.
type WarningPayload struct {
	RemainingMs int64 `json:"remaining_ms"`
}

// Registry — менеджеры бездействия по пользователям.
// Размер ограничен: при переполнении вытесняется менеджер пользователя,
// дольше всех не обращавшегося к сервису, и он останавливается.
type Registry struct {
	cfg       Config
	clock     clockwork.Clock
	bus       *bus.Bus
	onTimeout func(userID string)
	logger    *slog.Logger

	managers *lru.Cache[string, *Manager]
}

// NewRegistry создаёт реестр. onTimeout вызывается после выхода пользователя
// по бездействию, когда его менеджер уже остановлен и удалён из реестра.
func NewRegistry(
	cfg Config,
	clock clockwork.Clock,
	b *bus.Bus,
	maxUsers int,
	onTimeout func(userID string),
	logger *slog.Logger,
) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("параметры бездействия: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	r := &Registry{
		cfg:       cfg,
		clock:     clock,
		bus:       b,
		onTimeout: onTimeout,
		logger:    logger.With(slog.String("component", "idle_registry")),
	}
	managers, err := lru.NewWithEvict(maxUsers, func(userID string, m *Manager) {
		m.Stop()
	})
	if err != nil {
		return nil, fmt.Errorf("создание реестра менеджеров: %w", err)
	}
	r.managers = managers
	return r, nil
}

// Start возвращает менеджер пользователя, создавая его при необходимости,
// и запускает отслеживание. Повторный вызов для активного пользователя
// ничего не меняет.
func (r *Registry) Start(userID string) (*Manager, error) {
	if m, ok := r.managers.Get(userID); ok {
		m.Start()
		return m, nil
	}

	var m *Manager
	hooks := Hooks{
		OnWarning: func(remaining time.Duration) {
			r.bus.Publish(bus.SessionTopic(userID), EventWarning, WarningPayload{
				RemainingMs: remaining.Milliseconds(),
			})
		},
		OnTimeout: func() {
			r.forget(userID, m)
			if r.onTimeout != nil {
				r.onTimeout(userID)
			}
		},
	}
	observe := func(handler func()) func() {
		return r.bus.Subscribe(bus.Exact(bus.ActivityTopic(userID)), func(bus.Event) {
			handler()
		})
	}

	m, err := NewManager(r.cfg, r.clock, hooks, observe, r.logger.With(slog.String("user_id", userID)))
	if err != nil {
		return nil, err
	}

	// Конкурентный Start мог успеть создать менеджер
	if prev, ok, _ := r.managers.PeekOrAdd(userID, m); ok {
		prev.Start()
		return prev, nil
	}
	m.Start()
	return m, nil
}

// Get возвращает менеджер пользователя.
func (r *Registry) Get(userID string) (*Manager, bool) {
	return r.managers.Get(userID)
}

// Stop останавливает и удаляет менеджер пользователя.
func (r *Registry) Stop(userID string) {
	r.managers.Remove(userID)
}

// Len возвращает количество отслеживаемых пользователей.
func (r *Registry) Len() int {
	return r.managers.Len()
}

// Close останавливает все менеджеры.
func (r *Registry) Close() {
	r.managers.Purge()
}

// forget удаляет остановленный менеджер m, если в реестре всё ещё он.
func (r *Registry) forget(userID string, m *Manager) {
	cur, ok := r.managers.Peek(userID)
	if !ok || cur != m || m.IsActive() {
		return
	}
	r.managers.Remove(userID)
}
