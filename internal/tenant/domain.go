package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an account that owns cycles and issues.
type Tenant struct {
	ID         uuid.UUID
	Name       string
	KeyHash    string
	CreatedAt  time.Time
	DisabledAt *time.Time
}

// Active reports whether the tenant may authenticate.
func (t Tenant) Active() bool {
	return t.DisabledAt == nil
}
