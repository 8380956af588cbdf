package acl

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    bool
	}{
		{"api.*", "api.handler.task_submit", true},
		{"api.*", "api.v2.handler.task_submit", true},
		{"api.*", "api", false},
		{"api.*", "apix.handler", false},
		{"*", "anything.at.all", true},
		{"*", "", true},
		{"api.handler", "api.handler", true},
		{"api.handler", "api.handler.x", false},
		{"api.handler", "api.Handler", false},
		{"*.delete", "users.delete", true},
		{"*.delete", "admin.users.delete", true},
		{"*.delete", "delete", false},
		{"api.*.read", "api.users.read", true},
		{"api.*.read", "api.users.profile.read", true},
		{"api.*.read", "api.read", false},
		{"jobs.run_*", "jobs.run_fast", true},
		{"jobs.run_*", "jobs.walk", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.id, func(t *testing.T) {
			if got := Match(tt.pattern, tt.id); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.id, got, tt.want)
			}
		})
	}
}

func TestMatch_LiteralMetacharacters(t *testing.T) {
	// Dots in patterns are literal, never regex wildcards.
	if Match("a.b", "axb") {
		t.Error("dot must not match arbitrary characters")
	}
	if !Match("a.b", "a.b") {
		t.Error("exact dotted pattern must match itself")
	}
}

func TestSpecificity(t *testing.T) {
	tests := []struct {
		pattern string
		want    int
	}{
		{"api.handler.submit", 6},
		{"api.*", 2},
		{"api.*.read", 4},
		{"*", 0},
		{"api.run_*", 3},
	}
	for _, tt := range tests {
		if got := Specificity(tt.pattern); got != tt.want {
			t.Errorf("Specificity(%q) = %d, want %d", tt.pattern, got, tt.want)
		}
	}
}
