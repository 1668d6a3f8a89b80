package model

import "time"

type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountExpired AccountStatus = "expired"
)

// Account is a tenant's connection to one platform. Tokens are plaintext in
// memory; storage encrypts them at rest.
type Account struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	Platform     Platform      `json:"platform"`
	Handle       string        `json:"handle"`
	AccessToken  string        `json:"-"`
	RefreshToken string        `json:"-"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Status       AccountStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}
