// Пакет rbac — вычисление эффективных прав пользователя по ролям.
// Правила: права по каждому приложению объединяются по ИЛИ между всеми
// ролями пользователя; по умолчанию доступ запрещён.
package rbac

import (
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// Merge объединяет строки role_permissions в эффективный набор прав.
//
// roles задаёт порядок ролей: имя роли в результате берётся у первой роли
// (в этом порядке), давшей хотя бы одну строку для приложения.
// Строки с неизвестным именем приложения не попадают в результат и
// возвращаются вторым значением для логирования.
// Результат упорядочен по model.KnownApps().
func Merge(roles []model.RoleAssignment, rows []model.PermissionRow) ([]model.UserPermission, []string) {
	order := make(map[int64]int, len(roles))
	names := make(map[int64]string, len(roles))
	for i, r := range roles {
		if _, ok := order[r.RoleID]; !ok {
			order[r.RoleID] = i
			names[r.RoleID] = r.RoleName
		}
	}

	type merged struct {
		perm      model.UserPermission
		roleOrder int
	}
	byApp := make(map[model.AppID]*merged)
	var rejected []string

	for _, row := range rows {
		app, err := model.ParseAppID(row.ApplicationName)
		if err != nil {
			rejected = append(rejected, row.ApplicationName)
			continue
		}
		pos, ok := order[row.RoleID]
		if !ok {
			// Строка чужой роли: пользователю не назначена
			continue
		}

		m, exists := byApp[app]
		if !exists {
			m = &merged{
				perm:      model.UserPermission{ApplicationName: app, RoleName: names[row.RoleID]},
				roleOrder: pos,
			}
			byApp[app] = m
		} else if pos < m.roleOrder {
			m.roleOrder = pos
			m.perm.RoleName = names[row.RoleID]
		}

		m.perm.CanRead = m.perm.CanRead || row.CanRead
		m.perm.CanWrite = m.perm.CanWrite || row.CanWrite
		m.perm.CanDelete = m.perm.CanDelete || row.CanDelete
		m.perm.CanAdmin = m.perm.CanAdmin || row.CanAdmin
	}

	result := make([]model.UserPermission, 0, len(byApp))
	for _, app := range model.KnownApps() {
		if m, ok := byApp[app]; ok {
			result = append(result, m.perm)
		}
	}
	return result, rejected
}

// HasAccess проверяет действие capability в приложении app.
// Неизвестное приложение, неизвестное действие или отсутствие записи — запрет.
func HasAccess(perms []model.UserPermission, app, capability string) bool {
	appID, err := model.ParseAppID(app)
	if err != nil {
		return false
	}
	c, err := model.ParseCapability(capability)
	if err != nil {
		return false
	}
	for _, p := range perms {
		if p.ApplicationName == appID {
			return p.Allows(c)
		}
	}
	return false
}

// PrimaryRole возвращает имя первой назначенной роли или nil.
func PrimaryRole(roles []model.RoleAssignment) *string {
	if len(roles) == 0 {
		return nil
	}
	name := roles[0].RoleName
	return &name
}

// RoleIDs возвращает уникальные идентификаторы ролей в исходном порядке.
func RoleIDs(roles []model.RoleAssignment) []int64 {
	seen := make(map[int64]bool, len(roles))
	ids := make([]int64, 0, len(roles))
	for _, r := range roles {
		if !seen[r.RoleID] {
			seen[r.RoleID] = true
			ids = append(ids, r.RoleID)
		}
	}
	return ids
}
