package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/idle"
	"github.com/bigkaa/goartstore/portal-module/internal/permission"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticSource — хранилище прав: u1 читает fims.
type staticSource struct{}

func (staticSource) CheckConfig() error         { return nil }
func (staticSource) Ping(context.Context) error { return nil }

func (staticSource) RoleAssignments(_ context.Context, userID string) ([]model.RoleAssignment, error) {
	if userID != "u1" {
		return nil, nil
	}
	return []model.RoleAssignment{{RoleID: 1, RoleName: "inspector"}}, nil
}

func (staticSource) Permissions(context.Context, []int64) ([]model.PermissionRow, error) {
	return []model.PermissionRow{{RoleID: 1, ApplicationName: "fims", CanRead: true, CanWrite: true}}, nil
}

type noopSignOut struct{}

func (noopSignOut) SignOut(context.Context, *auth.SessionData) error { return nil }

type testEnv struct {
	bus      *bus.Bus
	clock    *clockwork.FakeClock
	sessions *service.SessionService
	access   *service.AccessService
	state    *service.StateService
	cookies  *auth.SessionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		bus:   bus.New(testLogger()),
		clock: clockwork.NewFakeClock(),
	}

	store, err := storage.NewMemoryStore(100, env.bus, testLogger())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}

	perms := permission.NewRegistry(staticSource{}, 10, time.Hour, time.Second, env.bus, testLogger())
	t.Cleanup(perms.Close)

	launcher := handoff.NewLauncher(handoff.Config{
		TTL:       30 * time.Second,
		SourceApp: "portal",
		Apps: map[model.AppID]string{
			model.AppFIMS:     "https://fims.gov.local/",
			model.AppEmployee: "https://employee.gov.local/",
		},
	}, store, env.clock, testLogger())
	t.Cleanup(launcher.Close)

	env.sessions, err = service.NewSessionService(service.SessionConfig{
		Idle:     idle.DefaultConfig(),
		MaxUsers: 10,
	}, env.clock, env.bus, perms, launcher, noopSignOut{}, testLogger())
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	t.Cleanup(env.sessions.Close)

	env.access = service.NewAccessService(perms, launcher, time.Second, testLogger())
	env.state = service.NewStateService(store)

	env.cookies, err = auth.NewSessionManager("test-secret", false)
	if err != nil {
		t.Fatalf("NewSessionManager: %v", err)
	}
	return env
}

// router собирает маршруты API без middleware аутентификации.
func (env *testEnv) router() http.Handler {
	sh := NewSessionHandler(env.sessions, env.cookies, testLogger())
	ah := NewAccessHandler(env.access, testLogger())
	st := NewStateHandler(env.state)

	r := chi.NewRouter()
	r.Post("/api/v1/session/start", sh.Start)
	r.Post("/api/v1/session/activity", sh.Activity)
	r.Post("/api/v1/session/extend", sh.Extend)
	r.Get("/api/v1/session", sh.Get)
	r.Delete("/api/v1/session", sh.Delete)
	r.Get("/api/v1/me/permissions", ah.Permissions)
	r.Get("/api/v1/me/access", ah.Access)
	r.Post("/api/v1/launch/{app}", ah.Launch)
	r.Get("/api/v1/handoff/{app}", ah.Handoff)
	r.Get("/api/v1/state/{key}", st.Get)
	r.Put("/api/v1/state/{key}", st.Put)
	r.Delete("/api/v1/state/{key}", st.Delete)
	return r
}

func testSession(userID string) *auth.SessionData {
	return &auth.SessionData{
		AccessToken:  "at-" + userID,
		RefreshToken: "rt-" + userID,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		UserID:       userID,
	}
}

// asUser помещает идентичность и сессию пользователя в контекст запроса.
func asUser(req *http.Request, userID string, withSession bool) *http.Request {
	var sess *auth.SessionData
	if withSession {
		sess = testSession(userID)
	}
	ctx := middleware.WithIdentity(req.Context(), model.Identity{ID: userID}, sess)
	return req.WithContext(ctx)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
