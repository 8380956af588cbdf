package call

import "time"

// Identity describes the principal a call runs as. The engine treats
// it as an opaque descriptor: authorization decisions are made on
// caller ids, not identities, but middlewares and modules may inspect
// it.
type Identity struct {
	Subject   string         `json:"subject"`
	Roles     []string       `json:"roles,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Expired reports whether the identity has an expiry in the past.
func (i *Identity) Expired(now time.Time) bool {
	if i == nil || i.ExpiresAt.IsZero() {
		return false
	}
	return i.ExpiresAt.Before(now)
}
