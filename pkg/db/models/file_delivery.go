package models

import (
	"time"

	"github.com/google/uuid"
)

// FileDelivery registers a deliverable gated by escrow state. The row never
// stores an access state; the gate recomputes lock status from the owning
// escrow/milestone on every check, so a later dispute revokes access without
// touching this table.
type FileDelivery struct {
	ID           uuid.UUID  `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EscrowID     uuid.UUID  `gorm:"column:escrow_id;type:uuid;not null;index"`
	MilestoneID  *uuid.UUID `gorm:"column:milestone_id;type:uuid"`
	RegisteredBy uuid.UUID  `gorm:"column:registered_by;type:uuid;not null"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
}
