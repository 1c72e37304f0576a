// Package queue defines message payloads exchanged over the message broker.
package queue

// AuditEvent records one auth state change for the audit sink. OldValue
// and NewValue are free-form descriptions of the state before and after;
// secrets (passwords, tokens, codes) never appear here.
type AuditEvent struct {
	Action   string `json:"action"`    // e.g. "user.login", "user.password_reset"
	ActorID  uint64 `json:"actor_id"`  // user performing the action, 0 when anonymous
	Target   string `json:"target"`    // what was acted on, e.g. "user:42"
	OldValue string `json:"old_value"` // state before the change, empty when n/a
	NewValue string `json:"new_value"` // state after the change, empty when n/a
	At       string `json:"at"`        // RFC3339 UTC timestamp
}
