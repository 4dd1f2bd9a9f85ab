// Пакет handoff — передача учётных данных портала прикладному приложению.
//
// При запуске приложения токены текущей сессии передаются двумя каналами
// с одинаковым содержимым: параметрами URL запуска и записью в общем
// хранилище под ключом <app>_auth_handoff. Запись живёт ограниченное время
// (по умолчанию 30 секунд) и удаляется отложенной задачей. Без действующей
// сессии приложение открывается по исходному URL без записи.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

// ErrUnknownApp — для приложения не задан URL запуска.
var ErrUnknownApp = errors.New("URL запуска приложения не настроен")

// Prometheus-метрики передачи.
var launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_handoff_launches_total",
	Help: "Количество запусков приложений по режиму передачи учётных данных.",
}, []string{"app", "mode"})

// Session — сессия пользователя у сервиса аутентификации.
type Session struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt — срок действия access token; нулевое значение — неизвестен.
	ExpiresAt time.Time
	User      model.Identity
}

// SessionSource — источник текущей сессии.
// Возвращает (nil, nil), если пользователь не вошёл.
type SessionSource interface {
	GetSession(ctx context.Context) (*Session, error)
}

// SessionSourceFunc адаптирует функцию к SessionSource.
type SessionSourceFunc func(ctx context.Context) (*Session, error)

// GetSession вызывает f(ctx).
func (f SessionSourceFunc) GetSession(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// Record — запись передачи в общем хранилище.
type Record struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	User         model.Identity `json:"user"`
	ExpiresAt    int64          `json:"expires_at"`
	AutoLogin    bool           `json:"auto_login"`
	SourceApp    string         `json:"source_app"`
	Timestamp    int64          `json:"timestamp"`
}

// StorageKey возвращает имя записи передачи для приложения.
func StorageKey(app model.AppID) string {
	return string(app) + "_auth_handoff"
}

// StoreKey возвращает ключ записи пользователя в общем хранилище.
func StoreKey(userID string, app model.AppID) string {
	return "handoff:" + userID + ":" + StorageKey(app)
}

// Launch — результат запуска приложения.
type Launch struct {
	ID            string      `json:"id"`
	App           model.AppID `json:"app"`
	URL           string      `json:"url"`
	StorageKey    string      `json:"storage_key"`
	Authenticated bool        `json:"authenticated"`
	ExpiresAt     time.Time   `json:"expires_at,omitzero"`

	launcher *Launcher
	key      string
}

// Cancel удаляет запись передачи и отменяет задачу очистки.
// Для неаутентифицированного запуска ничего не делает.
func (l *Launch) Cancel() {
	if l == nil || l.launcher == nil || !l.Authenticated {
		return
	}
	l.launcher.cancel(l.key, l.ID)
}

// pending — запланированная очистка записи.
type pending struct {
	launchID string
	timer    clockwork.Timer
}

// Launcher готовит запуск прикладных приложений.
type Launcher struct {
	store     storage.Store
	clock     clockwork.Clock
	ttl       time.Duration
	sourceApp string
	apps      map[model.AppID]string
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]pending
	closed  bool
}

// Config — параметры Launcher.
type Config struct {
	// TTL — время жизни записи передачи.
	TTL time.Duration
	// SourceApp — имя портала в параметре source и поле source_app.
	SourceApp string
	// Apps — URL запуска по приложениям.
	Apps map[model.AppID]string
}

// NewLauncher создаёт Launcher. clock может быть nil.
func NewLauncher(cfg Config, store storage.Store, clock clockwork.Clock, logger *slog.Logger) *Launcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	apps := make(map[model.AppID]string, len(cfg.Apps))
	for k, v := range cfg.Apps {
		apps[k] = v
	}
	return &Launcher{
		store:     store,
		clock:     clock,
		ttl:       cfg.TTL,
		sourceApp: cfg.SourceApp,
		apps:      apps,
		logger:    logger.With(slog.String("component", "handoff")),
		pending:   make(map[string]pending),
	}
}

// AppURL возвращает URL запуска приложения.
func (l *Launcher) AppURL(app model.AppID) (string, bool) {
	u, ok := l.apps[app]
	return u, ok
}

// Launch готовит запуск приложения app для пользователя userID.
//
// С действующей сессией (есть access и refresh токены) записывает запись
// передачи и возвращает URL с токенами. Без сессии или при ошибке
// получения сессии возвращает исходный URL.
func (l *Launcher) Launch(ctx context.Context, userID string, app model.AppID, src SessionSource) (*Launch, error) {
	target, ok := l.apps[app]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApp, app)
	}

	launch := &Launch{
		ID:         uuid.NewString(),
		App:        app,
		URL:        target,
		StorageKey: StorageKey(app),
		launcher:   l,
		key:        StoreKey(userID, app),
	}

	sess, err := src.GetSession(ctx)
	if err != nil {
		l.logger.Warn("Не удалось получить сессию, запуск без передачи учётных данных",
			slog.String("app", string(app)),
			slog.String("error", err.Error()),
		)
		launchesTotal.WithLabelValues(string(app), "plain").Inc()
		return launch, nil
	}
	if sess == nil || sess.AccessToken == "" || sess.RefreshToken == "" {
		launchesTotal.WithLabelValues(string(app), "plain").Inc()
		return launch, nil
	}

	launchURL, err := withTokens(target, sess, l.sourceApp)
	if err != nil {
		return nil, fmt.Errorf("формирование URL запуска %s: %w", app, err)
	}

	now := l.clock.Now()
	rec := Record{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		User:         sess.User,
		ExpiresAt:    unixOrZero(sess.ExpiresAt),
		AutoLogin:    true,
		SourceApp:    l.sourceApp,
		Timestamp:    now.UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("сериализация записи передачи: %w", err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New("launcher остановлен")
	}
	// Повторный запуск замещает запись и отменяет прежнюю очистку
	if prev, ok := l.pending[launch.key]; ok {
		prev.timer.Stop()
	}
	l.store.Set(launch.key, data)
	key, id := launch.key, launch.ID
	l.pending[key] = pending{
		launchID: id,
		timer:    l.clock.AfterFunc(l.ttl, func() { l.expire(key, id) }),
	}
	l.mu.Unlock()

	launch.URL = launchURL
	launch.Authenticated = true
	launch.ExpiresAt = now.Add(l.ttl).UTC()
	launchesTotal.WithLabelValues(string(app), "handoff").Inc()

	l.logger.Info("Запуск приложения с передачей учётных данных",
		slog.String("app", string(app)),
		slog.String("user_id", userID),
		slog.String("launch_id", id),
	)
	return launch, nil
}

// Read возвращает запись передачи пользователя для приложения.
func (l *Launcher) Read(userID string, app model.AppID) (*Record, error) {
	data, err := l.store.Get(StoreKey(userID, app))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("разбор записи передачи: %w", err)
	}
	return &rec, nil
}

// CancelUser удаляет все записи передачи пользователя (выход из портала).
func (l *Launcher) CancelUser(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, app := range model.KnownApps() {
		key := StoreKey(userID, app)
		if p, ok := l.pending[key]; ok {
			p.timer.Stop()
			delete(l.pending, key)
			l.store.Delete(key)
		}
	}
}

// Close отменяет все задачи очистки и удаляет записи.
func (l *Launcher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for key, p := range l.pending {
		p.timer.Stop()
		l.store.Delete(key)
		delete(l.pending, key)
	}
}

// Pending возвращает количество записей, ожидающих очистки.
func (l *Launcher) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// cancel удаляет запись, если она всё ещё принадлежит запуску launchID.
func (l *Launcher) cancel(key, launchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[key]
	if !ok || p.launchID != launchID {
		return
	}
	p.timer.Stop()
	delete(l.pending, key)
	l.store.Delete(key)
}

// expire — задача очистки по истечении TTL.
func (l *Launcher) expire(key, launchID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[key]
	if !ok || p.launchID != launchID {
		return
	}
	delete(l.pending, key)
	l.store.Delete(key)
	l.logger.Debug("Запись передачи удалена по истечении срока", slog.String("key", key))
}

// withTokens добавляет токены и признаки автоматического входа к URL.
func withTokens(target string, sess *Session, sourceApp string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", sess.AccessToken)
	q.Set("refresh_token", sess.RefreshToken)
	q.Set("auto_login", "true")
	q.Set("source", sourceApp)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// unixOrZero — Unix-время t; для нулевого t возвращает 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
