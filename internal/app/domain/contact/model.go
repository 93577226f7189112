// Package contact defines the deduplicated player contact record.
package contact

import "time"

// Contact is deduplicated by Email and updated, never replaced, on
// re-admission. Contacts are never deleted by retention.
type Contact struct {
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
