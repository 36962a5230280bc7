// Package user holds the read-only identity the orchestrator consumes from
// AuthService. The orchestrator never issues or mutates users; it only
// reads the fields it needs to scope editor containers and proxy routes.
package user

// Plan is the subscription tier AuthService assigns to a user.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
	PlanTeam Plan = "team"
)

// User is the identity resolved from a validated session token or an
// X-User-Id trust-proxy header. It is a read-only projection of the record
// AuthService owns; core never creates, updates, or deletes one.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Plan     Plan   `json:"plan"`
}
