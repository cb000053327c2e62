package domain

import "fmt"

// EntityKey is the composite natural key of an advertising entity
// (account, campaign, ad group or ad) as reported by one upstream source.
// Entities are never deleted, only superseded by new attribute states.
type EntityKey struct {
	SourceID  string `json:"source_id"`
	AccountID string `json:"account_id"`
	EntityID  string `json:"entity_id"`
}

// Valid reports whether every key component is present.
func (k EntityKey) Valid() bool {
	return k.SourceID != "" && k.AccountID != "" && k.EntityID != ""
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SourceID, k.AccountID, k.EntityID)
}
