// Пакет idle — отслеживание бездействия пользователя.
//
// Manager держит два отложенных вызова относительно последней активности:
// предупреждение через Timeout-Warning и выход через Timeout. Независимо от них
// периодическая проверка пересчитывает время бездействия и принудительно
// завершает сессию, если таймер был пропущен (приостановка процесса, дрейф).
//
// Каждый цикл ожидания помечен номером поколения. Вызов, запланированный
// для устаревшего поколения, отбрасывается, даже если его таймер уже сработал.
package idle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики бездействия.
var (
	warningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_idle_warnings_total",
		Help: "Количество предупреждений о скором выходе по бездействию.",
	})
	timeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_idle_timeouts_total",
		Help: "Количество выходов по бездействию.",
	}, []string{"trigger"})
	callbackPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_idle_callback_panics_total",
		Help: "Количество паник в обработчиках предупреждения и выхода.",
	})
)

// Config — параметры отслеживания бездействия.
type Config struct {
	// Timeout — бездействие до принудительного выхода.
	Timeout time.Duration
	// Warning — за сколько до выхода срабатывает предупреждение.
	Warning time.Duration
	// CheckInterval — период независимой проверки.
	CheckInterval time.Duration
}

// DefaultConfig возвращает параметры по умолчанию: 5m / 1m / 10s.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Minute,
		Warning:       time.Minute,
		CheckInterval: 10 * time.Second,
	}
}

// Validate проверяет согласованность параметров.
func (c Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("timeout должен быть положительным")
	}
	if c.Warning <= 0 || c.Warning >= c.Timeout {
		return fmt.Errorf("warning %s должен быть в интервале (0, %s)", c.Warning, c.Timeout)
	}
	if c.CheckInterval <= 0 {
		return errors.New("check interval должен быть положительным")
	}
	return nil
}

// Hooks — обработчики хоста. Вызываются вне блокировок менеджера.
type Hooks struct {
	// OnWarning получает оставшееся до выхода время.
	OnWarning func(remaining time.Duration)
	// OnTimeout вызывается после перехода менеджера в неактивное состояние.
	OnTimeout func()
}

// ActivityObserver подписывает handler на сигналы активности пользователя
// и возвращает функцию отписки.
type ActivityObserver func(handler func()) (cancel func())

// Manager — менеджер бездействия одного пользователя.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	hooks   Hooks
	observe ActivityObserver
	logger  *slog.Logger

	mu           sync.Mutex
	active       bool
	lastActivity time.Time
	generation   uint64
	warningFired bool
	timeoutFired bool
	warningTimer clockwork.Timer
	timeoutTimer clockwork.Timer
	checkTicker  clockwork.Ticker
	checkDone    chan struct{}
	unobserve    func()
}

// NewManager создаёт неактивный менеджер. observe может быть nil:
// тогда активность сообщается только через ResetTimeout.
func NewManager(cfg Config, clock clockwork.Clock, hooks Hooks, observe ActivityObserver, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("параметры бездействия: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		hooks:   hooks,
		observe: observe,
		logger:  logger.With(slog.String("component", "idle")),
	}, nil
}

// Start активирует менеджер. Повторный вызов на активном менеджере ничего не делает.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.lastActivity = m.clock.Now()
	m.generation++
	m.armLocked()

	m.checkTicker = m.clock.NewTicker(m.cfg.CheckInterval)
	m.checkDone = make(chan struct{})
	go m.checkLoop(m.checkTicker, m.checkDone)

	if m.observe != nil {
		m.unobserve = m.observe(m.ResetTimeout)
	}

	m.logger.Debug("Отслеживание бездействия запущено",
		slog.String("timeout", m.cfg.Timeout.String()),
		slog.String("warning", m.cfg.Warning.String()),
	)
}

// Stop деактивирует менеджер. Безопасен в любом состоянии.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

// ResetTimeout начинает новый цикл ожидания от текущего момента.
// На неактивном менеджере ничего не делает.
func (m *Manager) ResetTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.lastActivity = m.clock.Now()
	m.generation++
	m.armLocked()
}

// ExtendSession — явное продление сессии пользователем.
func (m *Manager) ExtendSession() {
	m.ResetTimeout()
}

// RemainingTime возвращает время до выхода, не меньше нуля.
// Зависит только от текущего времени и момента последней активности.
func (m *Manager) RemainingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

// IsActive сообщает, активен ли менеджер.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastActivity возвращает момент последней активности.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *Manager) remainingLocked() time.Duration {
	remaining := m.cfg.Timeout - m.clock.Since(m.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// armLocked отменяет текущие таймеры и планирует оба вызова
// для текущего поколения.
func (m *Manager) armLocked() {
	m.stopTimersLocked()
	m.warningFired = false
	m.timeoutFired = false

	gen := m.generation
	m.warningTimer = m.clock.AfterFunc(m.cfg.Timeout-m.cfg.Warning, func() { m.fireWarning(gen) })
	m.timeoutTimer = m.clock.AfterFunc(m.cfg.Timeout, func() { m.expire(gen, "timer") })
}

func (m *Manager) stopTimersLocked() {
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

func (m *Manager) stopLocked() {
	if !m.active {
		return
	}
	m.active = false
	m.generation++
	m.stopTimersLocked()

	if m.checkTicker != nil {
		m.checkTicker.Stop()
		close(m.checkDone)
		m.checkTicker = nil
		m.checkDone = nil
	}
	if m.unobserve != nil {
		m.unobserve()
		m.unobserve = nil
	}
}

// fireWarning вызывает OnWarning не более одного раза за цикл.
func (m *Manager) fireWarning(gen uint64) {
	m.mu.Lock()
	if !m.active || gen != m.generation || m.warningFired || m.timeoutFired {
		m.mu.Unlock()
		return
	}
	m.warningFired = true
	remaining := m.remainingLocked()
	m.mu.Unlock()

	warningsTotal.Inc()
	m.logger.Debug("Предупреждение о бездействии",
		slog.String("remaining", remaining.String()),
	)
	if m.hooks.OnWarning != nil {
		m.invoke("warning", func() { m.hooks.OnWarning(remaining) })
	}
}

// expire завершает сессию: переводит менеджер в неактивное состояние,
// затем вызывает OnTimeout. Ошибка обработчика не отменяет перехода.
func (m *Manager) expire(gen uint64, trigger string) {
	m.mu.Lock()
	if !m.active || gen != m.generation || m.timeoutFired {
		m.mu.Unlock()
		return
	}
	m.timeoutFired = true
	m.stopLocked()
	m.mu.Unlock()

	timeoutsTotal.WithLabelValues(trigger).Inc()
	m.logger.Info("Выход по бездействию", slog.String("trigger", trigger))
	if m.hooks.OnTimeout != nil {
		m.invoke("timeout", m.hooks.OnTimeout)
	}
}

// checkLoop — периодическая проверка до закрытия done.
func (m *Manager) checkLoop(ticker clockwork.Ticker, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			m.check()
		}
	}
}

// check пересчитывает бездействие и догоняет пропущенные вызовы.
func (m *Manager) check() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	idle := m.clock.Since(m.lastActivity)
	gen := m.generation
	warned := m.warningFired
	m.mu.Unlock()

	switch {
	case idle >= m.cfg.Timeout:
		m.logger.Warn("Таймер выхода пропущен, выход по периодической проверке",
			slog.String("idle", idle.String()),
		)
		m.expire(gen, "check")
	case idle >= m.cfg.Timeout-m.cfg.Warning && !warned:
		m.fireWarning(gen)
	}
}

// invoke вызывает обработчик хоста, перехватывая панику.
func (m *Manager) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			callbackPanicsTotal.Inc()
			m.logger.Error("Паника в обработчике бездействия",
				slog.String("callback", name),
				slog.Any("panic", r),
			)
		}
	}()
	fn()
}
