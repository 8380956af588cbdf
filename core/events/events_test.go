package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// TestPublishExactMatch verifies exact event name matching.
func TestPublishExactMatch(t *testing.T) {
	bus := NewBus(testLogger())

	var received Event
	called := false
	bus.Subscribe(ModuleRegistered, func(ctx context.Context, event Event) error {
		called = true
		received = event
		return nil
	})

	bus.Publish(context.Background(), Event{
		Name:     ModuleRegistered,
		ModuleID: "api.users.create",
		Data:     map[string]any{"replaces": false},
	})

	if !called {
		t.Fatal("handler was not called for exact match")
	}
	if received.ModuleID != "api.users.create" {
		t.Errorf("ModuleID = %q, want api.users.create", received.ModuleID)
	}
	if received.Data["replaces"] != false {
		t.Errorf("Data[replaces] = %v, want false", received.Data["replaces"])
	}

	bus.Publish(context.Background(), Event{Name: ModuleUnregistered})
	// Only the first publish matched.
	if received.Name != ModuleRegistered {
		t.Error("handler received a non-matching event")
	}
}

// TestPublishOrder verifies handlers run in registration order.
func TestPublishOrder(t *testing.T) {
	bus := NewBus(testLogger())

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe("task.completed", func(ctx context.Context, event Event) error {
			order = append(order, i)
			return nil
		})
	}

	bus.Publish(context.Background(), Event{Name: TaskCompleted})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("call order = %v, want [1 2 3]", order)
	}
}

// TestPublishWildcards verifies prefix and global wildcard matching.
func TestPublishWildcards(t *testing.T) {
	bus := NewBus(testLogger())

	var prefix, global int32
	bus.Subscribe("module.*", func(ctx context.Context, event Event) error {
		atomic.AddInt32(&prefix, 1)
		return nil
	})
	bus.Subscribe("*", func(ctx context.Context, event Event) error {
		atomic.AddInt32(&global, 1)
		return nil
	})

	bus.Publish(context.Background(), Event{Name: ModuleRegistered})
	bus.Publish(context.Background(), Event{Name: ModuleDrainTimeout})
	bus.Publish(context.Background(), Event{Name: TaskFailed})
	// Prefix wildcards match any depth below the prefix.
	bus.Publish(context.Background(), Event{Name: "module.contract.updated"})
	// "module.*" does not match the bare segment "module".
	bus.Publish(context.Background(), Event{Name: "module"})

	if prefix != 3 {
		t.Errorf("module.* matched %d events, want 3", prefix)
	}
	if global != 5 {
		t.Errorf("* matched %d events, want 5", global)
	}
}

// TestPublishHandlerError verifies errors are logged but publishing continues.
func TestPublishHandlerError(t *testing.T) {
	bus := NewBus(testLogger())

	var calls []int
	bus.Subscribe("task.failed", func(ctx context.Context, event Event) error {
		calls = append(calls, 1)
		return errors.New("subscriber broke")
	})
	bus.Subscribe("task.failed", func(ctx context.Context, event Event) error {
		calls = append(calls, 2)
		return nil
	})

	bus.Publish(context.Background(), Event{Name: TaskFailed})

	if len(calls) != 2 {
		t.Errorf("got %d calls, want both handlers to run", len(calls))
	}
}

// TestPublishAsync verifies asynchronous delivery.
func TestPublishAsync(t *testing.T) {
	bus := NewBus(testLogger())

	done := make(chan Event, 1)
	bus.Subscribe(TaskRunning, func(ctx context.Context, event Event) error {
		done <- event
		return nil
	})

	bus.PublishAsync(context.Background(), Event{Name: TaskRunning, TraceID: "tr-9"})

	select {
	case ev := <-done:
		if ev.TraceID != "tr-9" {
			t.Errorf("TraceID = %q, want tr-9", ev.TraceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called within timeout")
	}
}

// TestHasSubscribers verifies subscriber detection across pattern kinds.
func TestHasSubscribers(t *testing.T) {
	bus := NewBus(testLogger())

	if bus.HasSubscribers(ModuleRegistered) {
		t.Error("fresh bus must have no subscribers")
	}

	bus.Subscribe("task.*", func(ctx context.Context, event Event) error { return nil })

	if !bus.HasSubscribers(TaskCancelled) {
		t.Error("task.* must cover task.cancelled")
	}
	if bus.HasSubscribers(ModuleRegistered) {
		t.Error("task.* must not cover module events")
	}

	bus.Subscribe("*", func(ctx context.Context, event Event) error { return nil })
	if !bus.HasSubscribers(ModuleRegistered) {
		t.Error("* must cover everything")
	}
}

// TestConcurrentSubscribeAndPublish verifies thread safety.
func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewBus(testLogger())
	var wg sync.WaitGroup
	var count int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Subscribe(PolicySwapped, func(ctx context.Context, event Event) error {
				atomic.AddInt64(&count, 1)
				return nil
			})
		}()
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), Event{Name: PolicySwapped})
		}()
	}
	wg.Wait()

	if count != 100 {
		t.Errorf("handler calls = %d, want 100", count)
	}
}

func BenchmarkPublish(b *testing.B) {
	bus := NewBus(testLogger())
	bus.Subscribe(TaskCompleted, func(ctx context.Context, event Event) error { return nil })
	bus.Subscribe("task.*", func(ctx context.Context, event Event) error { return nil })
	bus.Subscribe("*", func(ctx context.Context, event Event) error { return nil })

	event := Event{Name: TaskCompleted, ModuleID: "bench.mod"}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
}
