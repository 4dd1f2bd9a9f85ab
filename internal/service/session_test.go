package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

func TestSessionService_StartAndStatus(t *testing.T) {
	f := newFixture(t)
	id := model.Identity{ID: "u1"}

	if st := f.sessions.Status("u1"); st.Active {
		t.Fatal("сессия активна до Start")
	}

	st, err := f.sessions.Start(id, testSession())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !st.Active || st.RemainingMs != (5*time.Minute).Milliseconds() {
		t.Errorf("статус после Start = %+v", st)
	}
	if _, ok := f.perms.Get("u1"); !ok {
		t.Error("резолвер прав не создан при Start")
	}

	f.clock.Advance(2 * time.Minute)
	st = f.sessions.Status("u1")
	if st.RemainingMs != (3 * time.Minute).Milliseconds() {
		t.Errorf("RemainingMs = %d, хотели 3m", st.RemainingMs)
	}
}

func TestSessionService_ActivityAndExtend(t *testing.T) {
	f := newFixture(t)

	if _, err := f.sessions.Activity("u1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Activity без сессии = %v, хотели ErrNoSession", err)
	}
	if _, err := f.sessions.Extend("u1"); !errors.Is(err, ErrNoSession) {
		t.Errorf("Extend без сессии = %v, хотели ErrNoSession", err)
	}

	f.sessions.Start(model.Identity{ID: "u1"}, testSession())
	f.clock.Advance(3 * time.Minute)

	st, err := f.sessions.Activity("u1")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if st.RemainingMs != (5 * time.Minute).Milliseconds() {
		t.Errorf("после активности RemainingMs = %d", st.RemainingMs)
	}

	events, unsubscribe := f.bus.SubscribeChan(bus.Exact(bus.SessionTopic("u1")), 8)
	defer unsubscribe()

	f.clock.Advance(time.Minute)
	st, err = f.sessions.Extend("u1")
	if err != nil || st.RemainingMs != (5*time.Minute).Milliseconds() {
		t.Errorf("Extend = %+v, %v", st, err)
	}
	waitEvent(t, events, EventSessionExtended)
}

func TestSessionService_TimeoutSignsOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := model.Identity{ID: "u1"}
	sess := testSession()

	events, unsubscribe := f.bus.SubscribeChan(bus.Exact(bus.SessionTopic("u1")), 16)
	defer unsubscribe()

	f.sessions.Start(id, sess)
	if _, err := f.access.Launch(ctx, id, model.AppFIMS, sessionSource(sess)); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	waitEvent(t, events, "session.warning")
	f.clock.Advance(time.Minute)
	waitEvent(t, events, EventSessionTimeout)

	if n := f.signOut.count(); n != 1 {
		t.Fatalf("удалённых выходов = %d, хотели 1", n)
	}
	if f.signOut.calls[0].RefreshToken != "rt-1" {
		t.Errorf("удалённый выход с refresh token %q", f.signOut.calls[0].RefreshToken)
	}
	if f.sessions.Status("u1").Active {
		t.Error("сессия активна после таймаута")
	}
	if _, ok := f.perms.Get("u1"); ok {
		t.Error("резолвер прав остался после таймаута")
	}
	if _, err := f.store.Get(handoff.StoreKey("u1", model.AppFIMS)); !errors.Is(err, storage.ErrNotFound) {
		t.Error("запись передачи осталась после таймаута")
	}
}

func TestSessionService_TimeoutWithFailingRemoteSignOut(t *testing.T) {
	f := newFixture(t)
	f.signOut.err = errors.New("keycloak недоступен")

	events, unsubscribe := f.bus.SubscribeChan(bus.Exact(bus.SessionTopic("u1")), 16)
	defer unsubscribe()

	sess := testSession()
	sess.IssuedAt = time.Now()
	f.sessions.Start(model.Identity{ID: "u1"}, sess)
	f.clock.Advance(5 * time.Minute)

	// Локальный выход выполняется несмотря на ошибку
	waitEvent(t, events, EventSessionTimeout)
	if f.sessions.Tracked() != 0 {
		t.Errorf("отслеживается пользователей: %d", f.sessions.Tracked())
	}
	// Cookie сессии в Keycloak ещё действителен, но портал его не принимает
	if reason, ended := f.sessions.Ended("u1", sess.IssuedAt); !ended || reason != model.SignOutTimeout {
		t.Errorf("после таймаута Ended() = %q, %v", reason, ended)
	}
}

func TestSessionService_Ended(t *testing.T) {
	f := newFixture(t)
	before := time.Now()

	if _, ended := f.sessions.Ended("u1", before); ended {
		t.Fatal("сессия завершена до выхода")
	}

	f.sessions.Start(model.Identity{ID: "u1"}, testSession())
	f.sessions.SignOut(context.Background(), "u1", nil)

	tests := []struct {
		name     string
		userID   string
		issuedAt time.Time
		want     bool
	}{
		{"вход до выхода", "u1", before, true},
		{"cookie без времени входа", "u1", time.Time{}, true},
		{"повторный вход", "u1", time.Now().Add(time.Second), false},
		{"другой пользователь", "u2", before, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, got := f.sessions.Ended(tt.userID, tt.issuedAt)
			if got != tt.want {
				t.Errorf("Ended(%q) = %v, ожидалось %v", tt.userID, got, tt.want)
			}
			if got && reason != model.SignOutManual {
				t.Errorf("причина = %q, ожидалась manual", reason)
			}
		})
	}
}

func TestSessionService_SignOut(t *testing.T) {
	f := newFixture(t)

	events, unsubscribe := f.bus.SubscribeChan(bus.Exact(bus.SessionTopic("u1")), 16)
	defer unsubscribe()

	f.sessions.Start(model.Identity{ID: "u1"}, testSession())
	f.sessions.SignOut(context.Background(), "u1", nil)

	waitEvent(t, events, EventSessionSignedOut)
	if n := f.signOut.count(); n != 1 {
		t.Errorf("удалённых выходов = %d, хотели 1 (из кэша сессий)", n)
	}
	if f.sessions.Status("u1").Active {
		t.Error("сессия активна после выхода")
	}

	// Таймер остановленного менеджера не вызывает второй выход
	f.clock.Advance(10 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if n := f.signOut.count(); n != 1 {
		t.Errorf("удалённых выходов после таймаута = %d", n)
	}
}
