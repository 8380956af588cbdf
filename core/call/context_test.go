package call

import (
	"context"
	"testing"
	"time"
)

func TestNewRoot(t *testing.T) {
	c := NewRoot(context.Background(), Options{TraceID: "tr-1"})

	if c.TraceID() != "tr-1" {
		t.Errorf("TraceID = %q, want tr-1", c.TraceID())
	}
	if c.CallerID() != "" {
		t.Errorf("CallerID = %q, want empty", c.CallerID())
	}
	if c.EffectiveCaller() != "external" {
		t.Errorf("EffectiveCaller = %q, want external", c.EffectiveCaller())
	}
	if len(c.Chain()) != 0 {
		t.Errorf("Chain = %v, want empty", c.Chain())
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
}

func TestChild_ExtendsChainAndShiftsCaller(t *testing.T) {
	root := NewRoot(context.Background(), Options{TraceID: "tr-2"})

	first := root.Child("api.orders.create")
	second := first.Child("billing.charge")

	if first.CallerID() != "api.orders.create" {
		t.Errorf("first caller = %q, want api.orders.create", first.CallerID())
	}
	if second.CallerID() != "billing.charge" {
		t.Errorf("second caller = %q, want billing.charge", second.CallerID())
	}

	wantChain := []string{"api.orders.create", "billing.charge"}
	got := second.Chain()
	if len(got) != len(wantChain) {
		t.Fatalf("chain = %v, want %v", got, wantChain)
	}
	for i := range wantChain {
		if got[i] != wantChain[i] {
			t.Fatalf("chain = %v, want %v", got, wantChain)
		}
	}

	// Trace id is immutable across nesting.
	if second.TraceID() != "tr-2" {
		t.Errorf("TraceID = %q, want tr-2", second.TraceID())
	}
	// Each level has its own chain copy.
	if len(first.Chain()) != 1 || len(root.Chain()) != 0 {
		t.Error("child chain leaked into ancestor")
	}

	// Mutating the returned copy must not touch the context.
	got[0] = "tampered"
	if second.Chain()[0] != "api.orders.create" {
		t.Error("Chain returned shared backing storage")
	}
}

func TestDataBag_SharedAcrossTree(t *testing.T) {
	root := NewRoot(context.Background(), Options{TraceID: "tr-3"})
	child := root.Child("a.b").Child("c.d")

	root.Data().Set("request.origin", "10.0.0.1")
	if v, ok := child.Data().Get("request.origin"); !ok || v != "10.0.0.1" {
		t.Errorf("child bag read = (%v, %v), want shared value", v, ok)
	}

	child.Data().Set("hops", 2)
	if v, _ := root.Data().Get("hops"); v != 2 {
		t.Errorf("root bag read = %v, want 2", v)
	}

	child.Data().Delete("hops")
	if _, ok := root.Data().Get("hops"); ok {
		t.Error("delete not visible across tree")
	}
}

func TestCancel_PropagatesToChildrenOnly(t *testing.T) {
	root := NewRoot(context.Background(), Options{TraceID: "tr-4"})
	mid := root.Child("x.y")
	leaf := mid.Child("z.w")

	mid.Cancel()

	select {
	case <-leaf.Done():
	case <-time.After(time.Second):
		t.Fatal("leaf not cancelled after ancestor cancel")
	}
	if mid.Err() == nil || leaf.Err() == nil {
		t.Error("cancelled contexts must report Err")
	}
	if root.Err() != nil {
		t.Error("cancelling a child must not cancel the parent")
	}
}

func TestCancel_ParentContextReaches(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	root := NewRoot(parent, Options{TraceID: "tr-5"})
	leaf := root.Child("a.b")

	cancel()

	select {
	case <-leaf.Done():
	case <-time.After(time.Second):
		t.Fatal("external parent cancellation did not reach the tree")
	}
}

func TestReportProgress(t *testing.T) {
	var got []float64
	root := NewRoot(context.Background(), Options{
		TraceID:  "tr-6",
		Progress: func(f float64) { got = append(got, f) },
	})
	leaf := root.Child("a.b")

	leaf.ReportProgress(0.25)
	leaf.ReportProgress(0.5)

	if len(got) != 2 || got[0] != 0.25 || got[1] != 0.5 {
		t.Errorf("progress reports = %v, want [0.25 0.5]", got)
	}

	// Without a watcher this is a no-op.
	silent := NewRoot(context.Background(), Options{TraceID: "tr-7"})
	silent.ReportProgress(0.9)
}

func TestIdentity(t *testing.T) {
	id := &Identity{
		Subject:   "user-1",
		Roles:     []string{"operator"},
		ExpiresAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if !id.HasRole("operator") || id.HasRole("admin") {
		t.Error("HasRole mismatch")
	}
	if id.Expired(time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Error("identity expired early")
	}
	if !id.Expired(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Error("identity did not expire")
	}

	var nilID *Identity
	if nilID.HasRole("any") || nilID.Expired(time.Now()) {
		t.Error("nil identity must be inert")
	}

	root := NewRoot(context.Background(), Options{TraceID: "t", Identity: id})
	if root.Child("a.b").Identity() != id {
		t.Error("identity not shared with children")
	}
}
