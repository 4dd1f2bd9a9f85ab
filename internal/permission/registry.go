package permission

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// EventChanged — тип события изменения прав в топике permissions:<user>.
const EventChanged = "permissions.changed"

// Registry — резолверы прав по пользователям.
// Запись живёт не дольше ttl с момента создания: после истечения
// следующий Bind создаёт новый резолвер и права определяются заново.
type Registry struct {
	src     Source
	timeout time.Duration
	bus     *bus.Bus
	logger  *slog.Logger

	mu        sync.Mutex
	resolvers *expirable.LRU[string, *Resolver]
}

// NewRegistry создаёт реестр на maxUsers пользователей.
// resolveTimeout ограничивает один запуск определения прав.
func NewRegistry(src Source, maxUsers int, ttl, resolveTimeout time.Duration, b *bus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		src:     src,
		timeout: resolveTimeout,
		bus:     b,
		logger:  logger,
		resolvers: expirable.NewLRU[string, *Resolver](maxUsers, func(_ string, res *Resolver) {
			res.close()
		}, ttl),
	}
}

// Bind возвращает резолвер пользователя. Новый резолвер сразу запускает
// определение прав; у существующего права определяются заново, если
// изменились данные идентичности или прошлый запуск завершился ошибкой.
func (r *Registry) Bind(id model.Identity) *Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resolvers.Get(id.ID); ok {
		snap := res.Snapshot()
		switch {
		case snap.Identity == nil || *snap.Identity != id:
			res.SetIdentity(&id)
		case snap.Err() != nil && !snap.Loading:
			res.Refresh()
		}
		return res
	}

	userID := id.ID
	res := NewResolver(r.src, r.timeout, func(s Snapshot) {
		r.bus.Publish(bus.PermissionsTopic(userID), EventChanged, s)
	}, r.logger.With(slog.String("user_id", userID)))
	r.resolvers.Add(userID, res)
	res.SetIdentity(&id)
	return res
}

// Get возвращает резолвер пользователя, если он есть.
func (r *Registry) Get(userID string) (*Resolver, bool) {
	return r.resolvers.Get(userID)
}

// Release очищает права пользователя (с уведомлением вкладок)
// и удаляет резолвер.
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resolvers.Peek(userID)
	if !ok {
		return
	}
	res.SetIdentity(nil)
	r.resolvers.Remove(userID)
}

// Len возвращает количество резолверов.
func (r *Registry) Len() int {
	return r.resolvers.Len()
}

// Close отменяет все запуски.
func (r *Registry) Close() {
	r.resolvers.Purge()
}
