package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockKeycloak создаёт mock HTTP-сервер Keycloak.
// tokenHandler обрабатывает запросы на получение токена,
// adminHandler — запросы к Admin REST API.
func setupMockKeycloak(t *testing.T, tokenHandler, adminHandler http.HandlerFunc) *Client {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/realms/portal/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		if tokenHandler != nil {
			tokenHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "test-access-token",
			TokenType:   "Bearer",
			ExpiresIn:   300,
		})
	})

	mux.HandleFunc("/admin/realms/portal", func(w http.ResponseWriter, r *http.Request) {
		if adminHandler != nil {
			adminHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/admin/realms/portal/", func(w http.ResponseWriter, r *http.Request) {
		if adminHandler != nil {
			adminHandler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return New(server.URL, "portal", "portal-module", "test-secret", server.Client(), testLogger())
}

func TestClient_TokenCaching(t *testing.T) {
	var tokenRequests atomic.Int32

	client := setupMockKeycloak(t,
		func(w http.ResponseWriter, r *http.Request) {
			tokenRequests.Add(1)
			if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(TokenResponse{AccessToken: "cached-token", ExpiresIn: 300})
		},
		nil,
	)

	ctx := context.Background()
	for range 3 {
		token, err := client.getToken(ctx)
		if err != nil {
			t.Fatalf("Ошибка получения токена: %v", err)
		}
		if token != "cached-token" {
			t.Errorf("token = %q, хотели cached-token", token)
		}
	}
	if n := tokenRequests.Load(); n != 1 {
		t.Errorf("запросов токена = %d, хотели 1", n)
	}
}

func TestClient_TokenRenewedBeforeExpiry(t *testing.T) {
	var tokenRequests atomic.Int32
	client := setupMockKeycloak(t,
		func(w http.ResponseWriter, _ *http.Request) {
			tokenRequests.Add(1)
			json.NewEncoder(w).Encode(TokenResponse{AccessToken: "sa-token", ExpiresIn: 300})
		},
		nil,
	)
	clock := clockwork.NewFakeClock()
	client.clock = clock

	ctx := context.Background()
	if _, err := client.getToken(ctx); err != nil {
		t.Fatalf("getToken: %v", err)
	}

	clock.Advance(4 * time.Minute)
	client.getToken(ctx)
	if n := tokenRequests.Load(); n != 1 {
		t.Errorf("до истечения запросов токена = %d, хотели 1", n)
	}

	// За 30 секунд до истечения токен запрашивается заново
	clock.Advance(31 * time.Second)
	client.getToken(ctx)
	if n := tokenRequests.Load(); n != 2 {
		t.Errorf("после истечения запросов токена = %d, хотели 2", n)
	}
}

func TestClient_UserSessions_UnknownUser(t *testing.T) {
	client := setupMockKeycloak(t, nil, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	if _, err := client.UserSessions(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("UserSessions() = %v, хотели ErrUserNotFound", err)
	}
}

func TestClient_TokenError(t *testing.T) {
	client := setupMockKeycloak(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized_client"}`))
		},
		nil,
	)

	if err := client.LogoutUser(context.Background(), "u1"); err == nil {
		t.Error("LogoutUser() без токена не вернул ошибку")
	}
}

func TestClient_LogoutUser(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
		anyErr  bool
	}{
		{name: "успех", status: http.StatusNoContent},
		{name: "пользователь не найден", status: http.StatusNotFound, wantErr: ErrUserNotFound, anyErr: true},
		{name: "ошибка сервера", status: http.StatusInternalServerError, anyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotAuth, gotMethod string
			client := setupMockKeycloak(t, nil, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotMethod = r.Method
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
			})

			err := client.LogoutUser(context.Background(), "user-1")
			if (err != nil) != tt.anyErr {
				t.Fatalf("LogoutUser() = %v, ошибка ожидалась: %v", err, tt.anyErr)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("LogoutUser() = %v, хотели %v", err, tt.wantErr)
			}
			if gotMethod != http.MethodPost || gotPath != "/admin/realms/portal/users/user-1/logout" {
				t.Errorf("запрос %s %s", gotMethod, gotPath)
			}
			if gotAuth != "Bearer test-access-token" {
				t.Errorf("Authorization = %q", gotAuth)
			}
		})
	}
}

func TestClient_UserSessions(t *testing.T) {
	client := setupMockKeycloak(t, nil, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/realms/portal/users/user-1/sessions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]UserSession{{ID: "s1", UserID: "user-1", Username: "ivanov"}})
	})

	sessions, err := client.UserSessions(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("UserSessions() ошибка: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestClient_CheckReady(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus string
	}{
		{
			name: "realm доступен",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(RealmRepresentation{Realm: "portal", Enabled: true})
			},
			wantStatus: "ok",
		},
		{
			name: "realm отключён",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(RealmRepresentation{Realm: "portal", Enabled: false})
			},
			wantStatus: "degraded",
		},
		{
			name: "ошибка",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantStatus: "fail",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := setupMockKeycloak(t, nil, tt.handler)
			status, msg := client.CheckReady()
			if status != tt.wantStatus {
				t.Errorf("CheckReady() = %q (%s), хотели %q", status, msg, tt.wantStatus)
			}
		})
	}
}
