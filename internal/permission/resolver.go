// Пакет permission — определение прав пользователя по его ролям.
//
// Resolver по идентичности пользователя загружает назначенные роли и строки
// прав из хранилища, объединяет их и хранит готовый набор. Каждый запуск
// помечен поколением и идентичностью, для которой он начат: результат
// фиксируется, только если запуск всё ещё текущий. Побеждает последняя
// идентичность, частичные записи невозможны.
//
// Ошибки конфигурации и связности показываются пользователю. Ошибки при
// загрузке ролей и прав гасятся до пустых наборов (доступ запрещён).
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/rbac"
)

// Ошибки, показываемые пользователю.
var (
	// ErrConfiguration — хранилище ролей не настроено.
	ErrConfiguration = errors.New("хранилище прав не настроено")
	// ErrConnectivity — хранилище ролей недоступно.
	ErrConnectivity = errors.New("хранилище прав недоступно")
)

// Сообщения для пользователя.
const (
	MessageConfiguration = "Сервис прав доступа не настроен. Обратитесь к администратору."
	MessageConnectivity  = "Не удалось подключиться к сервису прав доступа. Повторите попытку позже."
)

// UserMessage возвращает текст ошибки для показа пользователю.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return MessageConfiguration
	case errors.Is(err, ErrConnectivity):
		return MessageConnectivity
	default:
		return "Не удалось загрузить права доступа."
	}
}

// Prometheus-метрики определения прав.
var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pm_permission_resolutions_total",
		Help: "Количество запусков определения прав по результату.",
	}, []string{"outcome"})
	resolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pm_permission_resolution_duration_seconds",
		Help:    "Длительность определения прав пользователя.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})
	rejectedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_permission_rejected_rows_total",
		Help: "Строки прав с неизвестным именем приложения.",
	})
)

// Source — хранилище ролей и прав.
type Source interface {
	// CheckConfig проверяет, что хранилище настроено.
	CheckConfig() error
	// Ping — лёгкая проверка связности.
	Ping(ctx context.Context) error
	// RoleAssignments возвращает роли пользователя в порядке назначения
	// вместе с отображаемым именем и телефоном.
	RoleAssignments(ctx context.Context, userID string) ([]model.RoleAssignment, error)
	// Permissions возвращает строки прав для всех ролей одним запросом.
	Permissions(ctx context.Context, roleIDs []int64) ([]model.PermissionRow, error)
}

// Snapshot — согласованная копия состояния резолвера.
type Snapshot struct {
	Identity    *model.Identity        `json:"identity"`
	Permissions []model.UserPermission `json:"permissions"`
	UserRole    *string                `json:"user_role"`
	Profile     *model.UserProfile     `json:"profile"`
	Loading     bool                   `json:"loading"`
	// Error — текст ошибки для пользователя (пусто, если ошибки нет)
	Error string `json:"error,omitempty"`
	// Degraded — роли или права не загрузились и заменены пустыми наборами
	Degraded   bool      `json:"degraded"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`

	err error
}

// Err возвращает ошибку последнего запуска.
func (s Snapshot) Err() error { return s.err }

// HasAccess проверяет действие в приложении по снимку.
func (s Snapshot) HasAccess(app, capability string) bool {
	return rbac.HasAccess(s.Permissions, app, capability)
}

// Resolver — права одного пользователя.
type Resolver struct {
	src      Source
	timeout  time.Duration
	onChange func(Snapshot)
	logger   *slog.Logger

	mu          sync.Mutex
	generation  uint64
	identity    *model.Identity
	permissions []model.UserPermission
	userRole    *string
	profile     *model.UserProfile
	loading     bool
	err         error
	degraded    bool
	resolvedAt  time.Time
	settled     chan struct{}
	cancel      context.CancelFunc
}

// NewResolver создаёт резолвер без идентичности.
// timeout ограничивает один запуск; onChange (может быть nil) получает
// снимок после каждого изменения состояния.
func NewResolver(src Source, timeout time.Duration, onChange func(Snapshot), logger *slog.Logger) *Resolver {
	settled := make(chan struct{})
	close(settled)
	return &Resolver{
		src:      src,
		timeout:  timeout,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "permission_resolver")),
		settled:  settled,
	}
}

// SetIdentity задаёт пользователя.
//
// nil синхронно очищает права, роль, профиль и ошибку без обращения
// к хранилищу. Иначе запускается асинхронное определение прав: loading
// становится true и сбрасывается по завершении, успешном или нет.
func (r *Resolver) SetIdentity(id *model.Identity) {
	r.mu.Lock()
	r.generation++
	gen := r.generation
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}

	if id == nil {
		r.identity = nil
		r.clearLocked()
		r.loading = false
		r.err = nil
		r.markSettledLocked()
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.notify(snap)
		return
	}

	ident := *id
	if r.identity == nil || r.identity.ID != ident.ID {
		r.clearLocked()
	}
	r.identity = &ident
	r.err = nil

	// Проверка конфигурации синхронна: без неё запуск не начинается
	if err := r.src.CheckConfig(); err != nil {
		r.clearLocked()
		r.loading = false
		r.err = fmt.Errorf("%w: %v", ErrConfiguration, err)
		r.markSettledLocked()
		snap := r.snapshotLocked()
		r.mu.Unlock()

		resolutionsTotal.WithLabelValues("configuration_error").Inc()
		r.logger.Error("Хранилище прав не настроено", slog.String("error", err.Error()))
		r.notify(snap)
		return
	}

	r.loading = true
	settled := make(chan struct{})
	r.settled = settled
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	r.cancel = cancel
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap)
	go r.run(ctx, cancel, gen, ident, settled)
}

// Refresh повторно определяет права текущего пользователя.
func (r *Resolver) Refresh() {
	r.mu.Lock()
	id := r.identity
	r.mu.Unlock()
	if id != nil {
		r.SetIdentity(id)
	}
}

// HasAccess проверяет действие capability в приложении app.
// По умолчанию доступ запрещён.
func (r *Resolver) HasAccess(app, capability string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rbac.HasAccess(r.permissions, app, capability)
}

// Snapshot возвращает копию текущего состояния.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Wait блокируется до завершения текущего запуска или отмены ctx.
// Если за время ожидания начался новый запуск, ждёт и его.
func (r *Resolver) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		loading := r.loading
		settled := r.settled
		r.mu.Unlock()

		if !loading {
			return nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// close отменяет текущий запуск без уведомления.
func (r *Resolver) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.loading = false
	r.markSettledLocked()
}

// outcome — результат одного запуска.
type outcome struct {
	permissions []model.UserPermission
	userRole    *string
	profile     *model.UserProfile
	degraded    bool
	err         error
}

func (r *Resolver) run(ctx context.Context, cancel context.CancelFunc, gen uint64, id model.Identity, settled chan struct{}) {
	defer cancel()
	defer close(settled)

	start := time.Now()
	out := r.resolve(ctx, id)
	resolutionDuration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	if gen != r.generation {
		r.mu.Unlock()
		resolutionsTotal.WithLabelValues("stale").Inc()
		r.logger.Debug("Результат устаревшего запуска отброшен",
			slog.String("user_id", id.ID),
		)
		return
	}
	r.permissions = out.permissions
	r.userRole = out.userRole
	r.profile = out.profile
	r.degraded = out.degraded
	r.err = out.err
	r.loading = false
	r.cancel = nil
	r.resolvedAt = time.Now().UTC()
	snap := r.snapshotLocked()
	r.mu.Unlock()

	switch {
	case errors.Is(out.err, ErrConnectivity):
		resolutionsTotal.WithLabelValues("connectivity_error").Inc()
	case out.degraded:
		resolutionsTotal.WithLabelValues("degraded").Inc()
	default:
		resolutionsTotal.WithLabelValues("ok").Inc()
	}
	r.notify(snap)
}

// resolve выполняет шаги 2-5: связность, роли, права, сборка профиля.
func (r *Resolver) resolve(ctx context.Context, id model.Identity) outcome {
	logger := r.logger.With(slog.String("user_id", id.ID))

	if err := r.src.Ping(ctx); err != nil {
		logger.Error("Хранилище прав недоступно", slog.String("error", err.Error()))
		return outcome{err: fmt.Errorf("%w: %v", ErrConnectivity, err)}
	}

	var out outcome

	roles, err := r.src.RoleAssignments(ctx, id.ID)
	if err != nil {
		logger.Warn("Не удалось загрузить роли, используется пустой набор",
			slog.String("error", err.Error()),
		)
		roles = nil
		out.degraded = true
	}

	var rows []model.PermissionRow
	if ids := rbac.RoleIDs(roles); len(ids) > 0 {
		rows, err = r.src.Permissions(ctx, ids)
		if err != nil {
			logger.Warn("Не удалось загрузить права, используется пустой набор",
				slog.String("error", err.Error()),
			)
			rows = nil
			out.degraded = true
		}
	}

	perms, rejected := rbac.Merge(roles, rows)
	for _, name := range rejected {
		rejectedRowsTotal.Inc()
		logger.Warn("Строка прав с неизвестным приложением отброшена",
			slog.String("application_name", name),
		)
	}

	out.permissions = perms
	out.userRole = rbac.PrimaryRole(roles)
	out.profile = buildProfile(id, roles, out.userRole)
	return out
}

// buildProfile собирает профиль: имя и телефон из первого назначения,
// где они заданы, email из идентичности.
func buildProfile(id model.Identity, roles []model.RoleAssignment, role *string) *model.UserProfile {
	p := &model.UserProfile{RoleName: role}
	for _, ra := range roles {
		if p.Name == nil && ra.DisplayName != nil {
			p.Name = ra.DisplayName
		}
		if p.PhoneNumber == nil && ra.PhoneNumber != nil {
			p.PhoneNumber = ra.PhoneNumber
		}
	}
	if id.Email != "" {
		email := id.Email
		p.Email = &email
	}
	return p
}

func (r *Resolver) clearLocked() {
	r.permissions = nil
	r.userRole = nil
	r.profile = nil
	r.degraded = false
	r.resolvedAt = time.Time{}
}

// markSettledLocked отмечает состояние как завершённое. Канал прерванного
// запуска закрывает сам запуск при выходе.
func (r *Resolver) markSettledLocked() {
	settled := make(chan struct{})
	close(settled)
	r.settled = settled
}

func (r *Resolver) snapshotLocked() Snapshot {
	s := Snapshot{
		Loading:    r.loading,
		Degraded:   r.degraded,
		ResolvedAt: r.resolvedAt,
		err:        r.err,
		Error:      UserMessage(r.err),
	}
	if r.identity != nil {
		id := *r.identity
		s.Identity = &id
	}
	s.Permissions = make([]model.UserPermission, len(r.permissions))
	copy(s.Permissions, r.permissions)
	if r.userRole != nil {
		role := *r.userRole
		s.UserRole = &role
	}
	if r.profile != nil {
		p := *r.profile
		s.Profile = &p
	}
	return s
}

func (r *Resolver) notify(s Snapshot) {
	if r.onChange != nil {
		r.onChange(s)
	}
}
