package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWKSReadinessChecker(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
	}{
		{"ключи есть", http.StatusOK, `{"keys":[{"kid":"k1"}]}`, "ok"},
		{"нет ключей", http.StatusOK, `{"keys":[]}`, "degraded"},
		{"невалидный JSON", http.StatusOK, `not json`, "degraded"},
		{"ошибка сервера", http.StatusInternalServerError, ``, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			status, msg := NewJWKSReadinessChecker(srv.URL, time.Second).CheckReady()
			if status != tt.wantStatus {
				t.Errorf("CheckReady() = %q (%s), ожидался %q", status, msg, tt.wantStatus)
			}
		})
	}

	status, _ := NewJWKSReadinessChecker("http://127.0.0.1:1/certs", 100*time.Millisecond).CheckReady()
	if status != "fail" {
		t.Errorf("недоступный Keycloak: статус %q", status)
	}
}
