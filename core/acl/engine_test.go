package acl

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, policy Policy) *Engine {
	t.Helper()
	e, err := New(policy, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules: []Rule{
			{Name: "a-to-b", Callers: []string{"a.*"}, Targets: []string{"b.*"}, Effect: Allow},
			{Name: "block-b", Callers: []string{"*"}, Targets: []string{"b.*"}, Effect: Deny},
		},
		DefaultEffect: Deny,
	})

	d := e.Evaluate("a.x", "b.y")
	if !d.Allowed() || d.Rule == nil || d.Rule.Name != "a-to-b" {
		t.Fatalf("got %s, want allow by a-to-b", d)
	}

	d = e.Evaluate("c.x", "b.y")
	if d.Allowed() || d.Rule == nil || d.Rule.Name != "block-b" {
		t.Fatalf("got %s, want deny by block-b", d)
	}
}

func TestEvaluate_DefaultEffect(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules:         []Rule{{Callers: []string{"a.*"}, Targets: []string{"b.*"}, Effect: Allow}},
		DefaultEffect: Deny,
	})

	d := e.Evaluate("z.q", "unrelated.target")
	if d.Allowed() || !d.Default {
		t.Fatalf("got %s, want default deny", d)
	}
}

func TestEvaluate_PriorityOrdersRules(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules: []Rule{
			{Name: "broad-deny", Callers: []string{"*"}, Targets: []string{"*"}, Effect: Deny, Priority: 0},
			{Name: "admin-override", Callers: []string{"admin.*"}, Targets: []string{"*"}, Effect: Allow, Priority: 10},
		},
		DefaultEffect: Deny,
	})

	d := e.Evaluate("admin.console", "jobs.purge")
	if !d.Allowed() || d.Rule.Name != "admin-override" {
		t.Fatalf("got %s, want allow by admin-override despite broad-deny", d)
	}
}

func TestEvaluate_SamePriorityDenyWins(t *testing.T) {
	// Allow defined before deny at equal priority: deny still ranks first.
	e := newTestEngine(t, Policy{
		Rules: []Rule{
			{Name: "allow-all", Callers: []string{"*"}, Targets: []string{"x.y"}, Effect: Allow, Priority: 5},
			{Name: "deny-all", Callers: []string{"*"}, Targets: []string{"x.y"}, Effect: Deny, Priority: 5},
		},
		DefaultEffect: Allow,
	})

	for i := 0; i < 50; i++ {
		d := e.Evaluate("anyone.at_all", "x.y")
		if d.Allowed() {
			t.Fatalf("iteration %d: got %s, want deny", i, d)
		}
		if d.Rule == nil || d.Rule.Name != "deny-all" {
			t.Fatalf("iteration %d: matched %v, want deny-all", i, d.Rule)
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules: []Rule{
			{Name: "r1", Callers: []string{"svc.*"}, Targets: []string{"db.*"}, Effect: Allow, Priority: 1},
			{Name: "r2", Callers: []string{"svc.edge"}, Targets: []string{"db.write"}, Effect: Deny, Priority: 1},
			{Name: "r3", Callers: []string{"*"}, Targets: []string{"*"}, Effect: Deny},
		},
		DefaultEffect: Allow,
	})

	first := e.Evaluate("svc.edge", "db.write")
	for i := 0; i < 100; i++ {
		d := e.Evaluate("svc.edge", "db.write")
		if d.Effect != first.Effect || d.Default != first.Default ||
			(d.Rule == nil) != (first.Rule == nil) ||
			(d.Rule != nil && d.Rule.Name != first.Rule.Name) {
			t.Fatalf("iteration %d: %s differs from first %s", i, d, first)
		}
	}
	// r2 is deny at equal priority, so it must outrank r1.
	if first.Allowed() || first.Rule.Name != "r2" {
		t.Fatalf("got %s, want deny by r2", first)
	}
}

func TestEvaluate_ExternalSentinel(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules: []Rule{
			{Name: "externals", Callers: []string{"external"}, Targets: []string{"public.*"}, Effect: Allow},
		},
		DefaultEffect: Deny,
	})

	d := e.Evaluate("", "public.ping")
	if !d.Allowed() {
		t.Fatalf("got %s, want allow for external caller", d)
	}
	if d.Caller != "external" {
		t.Errorf("caller = %q, want external sentinel", d.Caller)
	}

	if d := e.Evaluate("", "private.op"); d.Allowed() {
		t.Fatalf("got %s, want default deny", d)
	}
}

func TestSwap_ReplacesWholePolicy(t *testing.T) {
	e := newTestEngine(t, Policy{DefaultEffect: Deny})

	if d := e.Evaluate("a.x", "b.y"); d.Allowed() {
		t.Fatalf("got %s before swap, want deny", d)
	}

	err := e.Swap(Policy{
		Rules:         []Rule{{Callers: []string{"a.*"}, Targets: []string{"b.*"}, Effect: Allow}},
		DefaultEffect: Deny,
	})
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if d := e.Evaluate("a.x", "b.y"); !d.Allowed() {
		t.Fatalf("got %s after swap, want allow", d)
	}
}

func TestSwap_InvalidPolicyRejected(t *testing.T) {
	e := newTestEngine(t, Policy{DefaultEffect: Deny})

	bad := []Policy{
		{Rules: []Rule{{Callers: []string{"a"}, Targets: []string{"b"}, Effect: "maybe"}}},
		{Rules: []Rule{{Callers: nil, Targets: []string{"b"}, Effect: Allow}}},
		{DefaultEffect: "whatever"},
	}
	for i, p := range bad {
		if err := e.Swap(p); err == nil {
			t.Errorf("policy %d: Swap accepted invalid policy", i)
		}
	}
}

func TestEvaluate_ConcurrentWithSwap(t *testing.T) {
	e := newTestEngine(t, Policy{
		Rules:         []Rule{{Callers: []string{"*"}, Targets: []string{"*"}, Effect: Allow}},
		DefaultEffect: Deny,
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d := e.Evaluate("svc.a", "svc.b")
				// Every observed decision comes from a complete policy.
				if !d.Default && d.Rule == nil {
					t.Error("matched decision without a rule")
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		effect := Allow
		if i%2 == 0 {
			effect = Deny
		}
		if err := e.Swap(Policy{
			Rules:         []Rule{{Callers: []string{"*"}, Targets: []string{"*"}, Effect: effect}},
			DefaultEffect: Deny,
		}); err != nil {
			t.Fatalf("Swap: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}
