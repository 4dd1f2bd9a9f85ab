// Пакет keycloak — HTTP-клиент к Keycloak Admin REST API.
// models.go — модели данных Keycloak.
package keycloak

// TokenResponse — ответ на запрос токена через Client Credentials flow.
type TokenResponse struct {
	AccessToken string `json:"access_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RealmRepresentation — краткая информация о realm.
type RealmRepresentation struct {
	Realm   string `json:"realm"`
	Enabled bool   `json:"enabled"`
}

// UserSession — активная сессия пользователя в Keycloak.
type UserSession struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	UserID     string `json:"userId"`
	IPAddress  string `json:"ipAddress"`
	Start      int64  `json:"start"`
	LastAccess int64  `json:"lastAccess"`
}
