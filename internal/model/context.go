// Package model defines the domain types of the brewing trial engine.
//
// Types map onto the record-store tables (search_contexts, suggestions,
// observations, method_profiles) and onto the search backend's study state.
// Parameter values are carried as the Value tagged union rather than loosely
// typed maps.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// noneSentinel stands in for an absent optional scope field in context keys.
const noneSentinel = "none"

// Scope is the tuple identifying one independent search process.
type Scope struct {
	OwnerID     uuid.UUID  `json:"owner_id"`
	MethodID    string     `json:"method_id"`
	VariantID   string     `json:"variant_id"`
	EquipmentID *uuid.UUID `json:"equipment_id,omitempty"`
	BeanID      *uuid.UUID `json:"bean_id,omitempty"`
}

// Key encodes every scope field in a fixed order, spelling absent optional
// references as "none". Method and variant identifiers are restricted to
// [a-z0-9_-] so the separators below can never appear inside a field.
func (s Scope) Key() string {
	var b strings.Builder
	b.Grow(128)
	b.WriteString("u:")
	b.WriteString(s.OwnerID.String())
	b.WriteString("|m:")
	b.WriteString(s.MethodID)
	b.WriteString("|v:")
	b.WriteString(s.VariantID)
	b.WriteString("|e:")
	b.WriteString(optionalRef(s.EquipmentID))
	b.WriteString("|b:")
	b.WriteString(optionalRef(s.BeanID))
	return b.String()
}

// SameScope compares scopes field by field, treating nil references as equal
// only to nil.
func (s Scope) SameScope(o Scope) bool {
	return s.OwnerID == o.OwnerID &&
		s.MethodID == o.MethodID &&
		s.VariantID == o.VariantID &&
		sameRef(s.EquipmentID, o.EquipmentID) &&
		sameRef(s.BeanID, o.BeanID)
}

func optionalRef(id *uuid.UUID) string {
	if id == nil {
		return noneSentinel
	}
	return id.String()
}

func sameRef(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SearchContext is the persisted record of one search process.
// Created lazily on first access; never deleted while suggestions reference it.
type SearchContext struct {
	ID         uuid.UUID `json:"id"`
	Scope      Scope     `json:"scope"`
	ContextKey string    `json:"context_key"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
