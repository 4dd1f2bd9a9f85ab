// state.go — сохранённое состояние интерфейса (формы, модальные окна).
// Изменения доходят до других вкладок через поток событий.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

// MaxStateSize — предельный размер значения состояния.
const MaxStateSize = 64 << 10

var stateKeyRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// StateKey возвращает ключ состояния пользователя в общем хранилище.
func StateKey(userID, key string) string {
	return StatePrefix(userID) + key
}

// StatePrefix — общий префикс ключей состояния пользователя.
// Идентификатор экранируется: ':' в нём не должен совпасть с разделителем,
// иначе подписка пользователя "a" получала бы события "a:b".
func StatePrefix(userID string) string {
	return "state:" + url.QueryEscape(userID) + ":"
}

// StateService — состояние интерфейса пользователя.
type StateService struct {
	store storage.Store
}

// NewStateService создаёт сервис состояния.
func NewStateService(store storage.Store) *StateService {
	return &StateService{store: store}
}

// Get возвращает значение по ключу.
func (s *StateService) Get(userID, key string) (json.RawMessage, error) {
	if err := validateStateKey(key); err != nil {
		return nil, err
	}
	v, err := s.store.Get(StateKey(userID, key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

// Put сохраняет значение. Последняя запись побеждает.
func (s *StateService) Put(userID, key string, value json.RawMessage) error {
	if err := validateStateKey(key); err != nil {
		return err
	}
	if len(value) > MaxStateSize {
		return fmt.Errorf("%w: размер значения превышает %d байт", ErrValidation, MaxStateSize)
	}
	if !json.Valid(value) {
		return fmt.Errorf("%w: значение не является JSON", ErrValidation)
	}
	s.store.Set(StateKey(userID, key), value)
	return nil
}

// Delete удаляет значение. Отсутствие ключа не ошибка.
func (s *StateService) Delete(userID, key string) error {
	if err := validateStateKey(key); err != nil {
		return err
	}
	s.store.Delete(StateKey(userID, key))
	return nil
}

func validateStateKey(key string) error {
	if !stateKeyRe.MatchString(key) {
		return fmt.Errorf("%w: недопустимый ключ %q", ErrValidation, key)
	}
	return nil
}
