package service

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/idle"
	"github.com/bigkaa/goartstore/portal-module/internal/permission"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticSource — хранилище прав с фиксированными данными.
type staticSource struct {
	roles map[string][]model.RoleAssignment
	rows  []model.PermissionRow
}

func (s *staticSource) CheckConfig() error         { return nil }
func (s *staticSource) Ping(context.Context) error { return nil }

func (s *staticSource) RoleAssignments(_ context.Context, userID string) ([]model.RoleAssignment, error) {
	return s.roles[userID], nil
}

func (s *staticSource) Permissions(context.Context, []int64) ([]model.PermissionRow, error) {
	return s.rows, nil
}

// recordingSignOut запоминает вызовы удалённого выхода.
type recordingSignOut struct {
	mu    sync.Mutex
	calls []auth.SessionData
	err   error
}

func (r *recordingSignOut) SignOut(_ context.Context, sess *auth.SessionData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, *sess)
	return r.err
}

func (r *recordingSignOut) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	clock    *clockwork.FakeClock
	bus      *bus.Bus
	store    *storage.MemoryStore
	perms    *permission.Registry
	launcher *handoff.Launcher
	signOut  *recordingSignOut
	sessions *SessionService
	access   *AccessService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock:   clockwork.NewFakeClock(),
		bus:     bus.New(testLogger()),
		signOut: &recordingSignOut{},
	}

	store, err := storage.NewMemoryStore(100, f.bus, testLogger())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	f.store = store

	src := &staticSource{
		roles: map[string][]model.RoleAssignment{
			"u1": {{RoleID: 1, RoleName: "accountant"}},
		},
		rows: []model.PermissionRow{
			{RoleID: 1, ApplicationName: "fims", CanRead: true},
		},
	}
	f.perms = permission.NewRegistry(src, 10, time.Hour, time.Second, f.bus, testLogger())
	t.Cleanup(f.perms.Close)

	f.launcher = handoff.NewLauncher(handoff.Config{
		TTL:       30 * time.Second,
		SourceApp: "portal",
		Apps: map[model.AppID]string{
			model.AppFIMS:     "https://fims.gov.local/",
			model.AppEmployee: "https://employee.gov.local/",
		},
	}, store, f.clock, testLogger())
	t.Cleanup(f.launcher.Close)

	f.sessions, err = NewSessionService(SessionConfig{
		Idle:     idle.DefaultConfig(),
		MaxUsers: 10,
	}, f.clock, f.bus, f.perms, f.launcher, f.signOut, testLogger())
	if err != nil {
		t.Fatalf("NewSessionService: %v", err)
	}
	t.Cleanup(f.sessions.Close)

	f.access = NewAccessService(f.perms, f.launcher, time.Second, testLogger())
	return f
}

func testSession() *auth.SessionData {
	return &auth.SessionData{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		UserID:       "u1",
		Email:        "u1@gov.local",
	}
}

func sessionSource(sess *auth.SessionData) handoff.SessionSource {
	return handoff.SessionSourceFunc(func(context.Context) (*handoff.Session, error) {
		return &handoff.Session{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			ExpiresAt:    time.Unix(sess.ExpiresAt, 0),
			User:         sess.Identity(),
		}, nil
	})
}

// waitEvent ждёт событие указанного типа.
func waitEvent(t *testing.T, events <-chan bus.Event, eventType string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("событие %q не получено", eventType)
			return bus.Event{}
		}
	}
}
