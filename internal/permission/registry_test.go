package permission

import (
	"context"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

func TestRegistry_BindCreatesAndReuses(t *testing.T) {
	src := newFakeSource()
	seed(src)
	reg := NewRegistry(src, 10, time.Hour, time.Second, bus.New(testLogger()), testLogger())
	defer reg.Close()

	r1 := reg.Bind(model.Identity{ID: "u1", Email: "a@gov.local"})
	waitSettled(t, r1)
	r2 := reg.Bind(model.Identity{ID: "u1", Email: "a@gov.local"})

	if r1 != r2 {
		t.Error("повторный Bind создал новый резолвер")
	}
	if src.roleCalls != 1 {
		t.Errorf("запросов ролей = %d, ожидался 1", src.roleCalls)
	}

	// Изменение email приводит к повторному определению
	r3 := reg.Bind(model.Identity{ID: "u1", Email: "b@gov.local"})
	snap := waitSettled(t, r3)
	if snap.Profile == nil || snap.Profile.Email == nil || *snap.Profile.Email != "b@gov.local" {
		t.Errorf("email не обновлён: %+v", snap.Profile)
	}
}

func TestRegistry_RetryAfterError(t *testing.T) {
	src := newFakeSource()
	seed(src)
	src.pingErr = context.DeadlineExceeded
	reg := NewRegistry(src, 10, time.Hour, time.Second, bus.New(testLogger()), testLogger())
	defer reg.Close()

	r := reg.Bind(model.Identity{ID: "u2"})
	if snap := waitSettled(t, r); snap.Err() == nil {
		t.Fatal("ожидалась ошибка связности")
	}

	src.mu.Lock()
	src.pingErr = nil
	src.mu.Unlock()

	reg.Bind(model.Identity{ID: "u2"})
	snap := waitSettled(t, r)
	if snap.Err() != nil || !r.HasAccess("employee", "read") {
		t.Errorf("повторное определение прав не выполнено: %+v", snap)
	}
}

func TestRegistry_PublishesChanges(t *testing.T) {
	src := newFakeSource()
	seed(src)
	b := bus.New(testLogger())
	reg := NewRegistry(src, 10, time.Hour, time.Second, b, testLogger())
	defer reg.Close()

	events, unsubscribe := b.SubscribeChan(bus.Exact(bus.PermissionsTopic("u2")), 8)
	defer unsubscribe()

	r := reg.Bind(model.Identity{ID: "u2"})
	waitSettled(t, r)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventChanged {
				t.Fatalf("тип события = %q", ev.Type)
			}
			if snap, ok := ev.Data.(Snapshot); ok && !snap.Loading {
				return
			}
		case <-deadline:
			t.Fatal("событие с итоговыми правами не опубликовано")
		}
	}
}

func TestRegistry_Release(t *testing.T) {
	src := newFakeSource()
	seed(src)
	reg := NewRegistry(src, 10, time.Hour, time.Second, bus.New(testLogger()), testLogger())
	defer reg.Close()

	r := reg.Bind(model.Identity{ID: "u2"})
	waitSettled(t, r)
	reg.Release("u2")
	reg.Release("u2") // повторно безопасно

	if _, ok := reg.Get("u2"); ok {
		t.Error("резолвер остался в реестре")
	}
	if r.HasAccess("employee", "read") {
		t.Error("права не очищены при Release")
	}
}
