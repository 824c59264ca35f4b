package model

import (
	"time"

	"github.com/google/uuid"
)

// ObservationStatus replaces the older boolean "failed" flag on brews.
type ObservationStatus string

const (
	ObservationOK     ObservationStatus = "OK"
	ObservationFailed ObservationStatus = "FAILED"
)

// Observation is a recorded brew outcome. A FAILED observation never
// carries a score.
type Observation struct {
	ID          uuid.UUID         `json:"id"`
	OwnerID     uuid.UUID         `json:"owner_id"`
	MethodID    string            `json:"method_id"`
	VariantID   string            `json:"variant_id"`
	EquipmentID *uuid.UUID        `json:"equipment_id,omitempty"`
	BeanID      *uuid.UUID        `json:"bean_id,omitempty"`
	Params      ParamSet          `json:"params"`
	Score       *float64          `json:"score,omitempty"`
	Status      ObservationStatus `json:"status"`
	BrewedAt    time.Time         `json:"brewed_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Scope returns the observation's search scope.
func (o Observation) Scope() Scope {
	return Scope{
		OwnerID:     o.OwnerID,
		MethodID:    o.MethodID,
		VariantID:   o.VariantID,
		EquipmentID: o.EquipmentID,
		BeanID:      o.BeanID,
	}
}
