package session

import "encoding/json"

// User is a snapshot of the authenticated user's details, refreshed by the
// server on sign in and on explicit profile updates.
type User struct {
	UserID           string         `json:"userId"`
	LoginIDs         []string       `json:"loginIds,omitempty"`
	Status           string         `json:"status,omitempty"`
	CreatedTime      int64          `json:"createdTime,omitempty"`
	Name             string         `json:"name,omitempty"`
	GivenName        string         `json:"givenName,omitempty"`
	MiddleName       string         `json:"middleName,omitempty"`
	FamilyName       string         `json:"familyName,omitempty"`
	Picture          string         `json:"picture,omitempty"`
	Email            string         `json:"email,omitempty"`
	VerifiedEmail    bool           `json:"verifiedEmail,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	VerifiedPhone    bool           `json:"verifiedPhone,omitempty"`
	CustomAttributes map[string]any `json:"customAttributes,omitempty"`
	IsUpdateRequired bool           `json:"isUpdateRequired,omitempty"`
}

// Equal compares users by their canonical JSON serialization. Map claims
// make a field by field comparison unreliable, and encoding/json emits
// map keys in sorted order so the serialized form is deterministic.
func (u User) Equal(other User) bool {
	a, err := json.Marshal(u)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
