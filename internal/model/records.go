package model

import (
	"encoding/json"
	"time"
)

// AuditRecord is an immutable trace of one lifecycle event.
type AuditRecord struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Kind     string          `json:"kind"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

// Notification is a tenant-visible message.
type Notification struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	EntityID  string    `json:"entity_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
