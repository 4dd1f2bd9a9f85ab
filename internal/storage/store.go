// Пакет storage — общее хранилище ключ/значение, видимое всем вкладкам
// пользователя. Каждое изменение публикуется в шину под топиком, равным ключу.
// Запись выигрывает последняя; потерянные обновления при одновременной
// записи из нескольких вкладок допустимы.
package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
)

// Типы событий изменения хранилища.
const (
	EventSet     = "storage.set"
	EventDelete  = "storage.delete"
	EventEvicted = "storage.evicted"
)

// ErrNotFound — ключ отсутствует в хранилище.
var ErrNotFound = errors.New("ключ не найден")

// Prometheus-метрики хранилища.
var (
	storeEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pm_store_entries",
		Help: "Текущее количество записей в общем хранилище.",
	})
	storeEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_store_evictions_total",
		Help: "Количество записей, вытесненных из общего хранилища по размеру.",
	})
)

// Store — интерфейс общего хранилища.
type Store interface {
	// Get возвращает значение ключа или ErrNotFound.
	Get(key string) (json.RawMessage, error)
	// Set записывает значение ключа (замещая предыдущее).
	Set(key string, value json.RawMessage)
	// Delete удаляет ключ. Отсутствие ключа не является ошибкой.
	Delete(key string)
}

// Change — полезная нагрузка события изменения.
type Change struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MemoryStore — ограниченное по размеру LRU-хранилище в памяти процесса.
type MemoryStore struct {
	cache  *lru.Cache[string, json.RawMessage]
	bus    *bus.Bus
	logger *slog.Logger

	// mu упорядочивает изменения, чтобы callback вытеснения
	// относился к операции, которая его вызвала.
	mu       sync.Mutex
	removing bool
	evicted  []string
}

// NewMemoryStore создаёт хранилище с максимальным числом записей maxEntries.
// Изменения публикуются в b.
func NewMemoryStore(maxEntries int, b *bus.Bus, logger *slog.Logger) (*MemoryStore, error) {
	s := &MemoryStore{
		bus:    b,
		logger: logger.With(slog.String("component", "store")),
	}
	cache, err := lru.NewWithEvict(maxEntries, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

// Get возвращает копию значения ключа.
func (s *MemoryStore) Get(key string) (json.RawMessage, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out, nil
}

// Set записывает значение и публикует событие storage.set.
// Вытесненные по размеру ключи публикуются как storage.evicted.
func (s *MemoryStore) Set(key string, value json.RawMessage) {
	stored := make(json.RawMessage, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.cache.Add(key, stored)
	evicted := s.evicted
	s.evicted = nil
	storeEntries.Set(float64(s.cache.Len()))
	s.mu.Unlock()

	for _, k := range evicted {
		storeEvictionsTotal.Inc()
		s.logger.Debug("Запись вытеснена из хранилища", slog.String("key", k))
		s.bus.Publish(k, EventEvicted, Change{Key: k})
	}
	s.bus.Publish(key, EventSet, Change{Key: key, Value: stored})
}

// Delete удаляет ключ и публикует storage.delete, если ключ существовал.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	s.removing = true
	present := s.cache.Remove(key)
	s.removing = false
	storeEntries.Set(float64(s.cache.Len()))
	s.mu.Unlock()

	if present {
		s.bus.Publish(key, EventDelete, Change{Key: key})
	}
}

// Len возвращает количество записей.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// onEvict вызывается кэшем синхронно внутри Add/Remove, под s.mu.
func (s *MemoryStore) onEvict(key string, _ json.RawMessage) {
	if s.removing {
		return
	}
	s.evicted = append(s.evicted, key)
}
