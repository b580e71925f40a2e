package models

import "time"

// IdentifierDomain describes an identifier namespace. Identifiers in a Unique domain identify
// exactly one real-world entity and drive the identity matcher.
type IdentifierDomain struct {
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	Unique      bool      `json:"unique" db:"is_unique"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

type SaveIdentifierDomainRequest struct {
	Description string `json:"description"`
	Unique      bool   `json:"unique"`
}
