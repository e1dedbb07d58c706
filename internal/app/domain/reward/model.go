// Package reward defines the append-only entitlement records granted to
// donors. Minting the actual reward token is an external concern; this core
// only records what was earned.
package reward

import "time"

// Grant is one entitlement, appended per accepted donation with points equal
// to the net contribution. Grants are never deleted or aggregated.
type Grant struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	ProjectID string    `json:"project_id"`
	Points    uint64    `json:"points"`
	GrantedAt time.Time `json:"granted_at"`
}
