package model

import "time"

// AuditLogEntry is an append-only record of an attempted action.
type AuditLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
	Actor     string    `json:"actor" db:"actor"`
	RequestID string    `json:"request_id,omitempty" db:"request_id"`
	Tier      string    `json:"tier,omitempty" db:"tier"`
	Action    string    `json:"action" db:"action"`
	Allowed   bool      `json:"allowed" db:"allowed"`
	Rows      *int64    `json:"rows,omitempty" db:"row_count"`
	Error     string    `json:"error,omitempty" db:"error"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
}
