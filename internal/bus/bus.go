// Пакет bus — локальная шина publish/subscribe, адресуемая по топикам.
// Топиком служит ключ общего хранилища или служебное имя канала пользователя
// (session:<user>, activity:<user>, permissions:<user>).
// Доставка best-effort: обработчики вызываются синхронно в Publish,
// канальные подписки буферизованы и теряют события при переполнении.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event — сообщение шины.
type Event struct {
	// ID — уникальный идентификатор события.
	ID string `json:"id"`
	// Topic — топик, в который опубликовано событие.
	Topic string `json:"topic"`
	// Type — тип события (session.warning, storage.set и т.д.).
	Type string `json:"type"`
	// Data — полезная нагрузка (сериализуется в JSON при отправке клиенту).
	Data any `json:"data,omitempty"`
	// At — время публикации.
	At time.Time `json:"at"`
}

// Handler — обработчик событий подписки.
type Handler func(Event)

// Matcher — предикат выбора топиков подписки.
type Matcher func(topic string) bool

// Exact выбирает ровно один топик.
func Exact(topic string) Matcher {
	return func(t string) bool { return t == topic }
}

// Prefix выбирает все топики с указанным префиксом.
func Prefix(prefix string) Matcher {
	return func(t string) bool { return strings.HasPrefix(t, prefix) }
}

// Any объединяет несколько предикатов через ИЛИ.
func Any(matchers ...Matcher) Matcher {
	return func(t string) bool {
		for _, m := range matchers {
			if m(t) {
				return true
			}
		}
		return false
	}
}

type subscription struct {
	match   Matcher
	handler Handler
}

// Bus — шина сообщений. Безопасна для конкурентного использования.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	logger *slog.Logger
}

// New создаёт пустую шину.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscription),
		logger: logger.With(slog.String("component", "bus")),
	}
}

// Subscribe регистрирует обработчик для топиков, выбранных match.
// Возвращает функцию отписки; повторный вызов отписки безопасен.
func (b *Bus) Subscribe(match Matcher, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{match: match, handler: handler}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeChan подписывается на топики с доставкой в буферизованный канал.
// При переполнении буфера событие отбрасывается. Канал не закрывается
// при отписке: читатель завершает цикл по своему контексту.
func (b *Bus) SubscribeChan(match Matcher, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	unsubscribe := b.Subscribe(match, func(ev Event) {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Буфер подписки переполнен, событие отброшено",
				slog.String("topic", ev.Topic),
				slog.String("type", ev.Type),
			)
		}
	})
	return ch, unsubscribe
}

// Publish публикует событие. Обработчики вызываются синхронно,
// без удержания блокировки шины, поэтому могут сами публиковать и отписываться.
func (b *Bus) Publish(topic, eventType string, data any) Event {
	ev := Event{
		ID:    uuid.NewString(),
		Topic: topic,
		Type:  eventType,
		Data:  data,
		At:    time.Now().UTC(),
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.match(topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return ev
}

// SubscriberCount возвращает количество активных подписок.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// --- Имена служебных топиков ---

// SessionTopic — события жизненного цикла сессии пользователя.
func SessionTopic(userID string) string { return "session:" + userID }

// ActivityTopic — сигналы активности пользователя.
func ActivityTopic(userID string) string { return "activity:" + userID }

// PermissionsTopic — изменения набора прав пользователя.
func PermissionsTopic(userID string) string { return "permissions:" + userID }
