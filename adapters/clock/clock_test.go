package clock_test

import (
	"testing"
	"time"

	"github.com/modgate/modgate/adapters/clock"
)

func TestReal_Now(t *testing.T) {
	c := clock.Real{}

	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestFake_Frozen(t *testing.T) {
	fixed := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(fixed)

	for i := 0; i < 5; i++ {
		if got := c.Now(); !got.Equal(fixed) {
			t.Errorf("call %d: Now() = %v, want %v", i, got, fixed)
		}
	}
}

func TestFake_SetAndAdvance(t *testing.T) {
	initial := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(initial)

	moved := initial.AddDate(0, 3, 0)
	c.Set(moved)
	if got := c.Now(); !got.Equal(moved) {
		t.Errorf("after Set: Now() = %v, want %v", got, moved)
	}

	c.Advance(90 * time.Minute)
	want := moved.Add(90 * time.Minute)
	if got := c.Now(); !got.Equal(want) {
		t.Errorf("after Advance: Now() = %v, want %v", got, want)
	}
}

func TestFake_ConcurrentAccess(t *testing.T) {
	c := clock.NewFake(time.Now())

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = c.Now()
				c.Advance(time.Second)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
