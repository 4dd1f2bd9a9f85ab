// Пакет model — доменные модели Portal Module.
package model

import (
	"fmt"
	"time"
)

// AppID — идентификатор прикладного приложения портала.
type AppID string

// Известные приложения портала.
const (
	// AppEmployee — кадровый учёт.
	AppEmployee AppID = "employee"
	// AppFIMS — выездные инспекции.
	AppFIMS AppID = "fims"
	// AppEstimate — сметы.
	AppEstimate AppID = "estimate"
	// AppWorkflow — документооборот.
	AppWorkflow AppID = "workflow"
)

// KnownApps возвращает список всех известных приложений в стабильном порядке.
func KnownApps() []AppID {
	return []AppID{AppEmployee, AppFIMS, AppEstimate, AppWorkflow}
}

// ParseAppID проверяет имя приложения и возвращает AppID.
func ParseAppID(s string) (AppID, error) {
	for _, app := range KnownApps() {
		if string(app) == s {
			return app, nil
		}
	}
	return "", fmt.Errorf("неизвестное приложение: %q", s)
}

// Capability — действие над приложением.
type Capability string

// Допустимые действия.
const (
	CapabilityRead   Capability = "read"
	CapabilityWrite  Capability = "write"
	CapabilityDelete Capability = "delete"
	CapabilityAdmin  Capability = "admin"
)

// ParseCapability проверяет имя действия и возвращает Capability.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityRead, CapabilityWrite, CapabilityDelete, CapabilityAdmin:
		return Capability(s), nil
	default:
		return "", fmt.Errorf("неизвестное действие: %q", s)
	}
}

// Identity — аутентифицированный пользователь.
// Приходит от сервиса аутентификации (Keycloak), сервисом не создаётся.
type Identity struct {
	// ID — идентификатор пользователя (sub)
	ID string `json:"id"`
	// Email — адрес электронной почты (может отсутствовать)
	Email string `json:"email,omitempty"`
	// Username — preferred_username
	Username string `json:"username,omitempty"`
}

// UserPermission — набор действий пользователя в одном приложении.
type UserPermission struct {
	ApplicationName AppID  `json:"application_name"`
	CanRead         bool   `json:"can_read"`
	CanWrite        bool   `json:"can_write"`
	CanDelete       bool   `json:"can_delete"`
	CanAdmin        bool   `json:"can_admin"`
	// RoleName — роль, первой предоставившая доступ к приложению
	RoleName string `json:"role_name"`
}

// Allows проверяет, разрешено ли действие.
// Неизвестное действие запрещено.
func (p UserPermission) Allows(c Capability) bool {
	switch c {
	case CapabilityRead:
		return p.CanRead
	case CapabilityWrite:
		return p.CanWrite
	case CapabilityDelete:
		return p.CanDelete
	case CapabilityAdmin:
		return p.CanAdmin
	default:
		return false
	}
}

// UserProfile — отображаемые данные пользователя.
// Любое поле может отсутствовать.
type UserProfile struct {
	Name        *string `json:"name"`
	RoleName    *string `json:"role_name"`
	Email       *string `json:"email"`
	PhoneNumber *string `json:"phone_number"`
}

// RoleAssignment — назначение роли пользователю (таблица user_roles + roles).
type RoleAssignment struct {
	// RoleID — идентификатор роли
	RoleID int64
	// RoleName — имя роли
	RoleName string
	// DisplayName — отображаемое имя пользователя из назначения
	DisplayName *string
	// PhoneNumber — контактный телефон из назначения
	PhoneNumber *string
	// AssignedAt — время назначения
	AssignedAt time.Time
}

// PermissionRow — строка таблицы role_permissions.
// ApplicationName хранится как строка: значение проверяется при загрузке.
type PermissionRow struct {
	RoleID          int64
	ApplicationName string
	CanRead         bool
	CanWrite        bool
	CanDelete       bool
	CanAdmin        bool
}
