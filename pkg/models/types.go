// pkg/models/types.go
package models

import "time"

// Control API roles
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// ControlClaims represents JWT token claims of a control API client
type ControlClaims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"exp"`
	IssuedAt  time.Time `json:"iat"`
}

// CanOperate reports whether the client may start and stop the tunnel
func (c *ControlClaims) CanOperate() bool {
	return c.Role == RoleOperator
}
