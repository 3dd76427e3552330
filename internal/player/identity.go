package player

import "strings"

// ID uniquely identifies a player across every arena component. Identities are
// issued by the authentication layer and are only ever referenced, never owned,
// by the core.
type ID string

// Identity carries the immutable display metadata attached to a player ID.
type Identity struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Skill  int    `json:"skill"`
	Region string `json:"region"`
}

// Valid reports whether the identity carries a usable identifier.
func (i Identity) Valid() bool {
	return strings.TrimSpace(string(i.ID)) != ""
}
