package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/freeflowlabs/escrow-backend/pkg/enums"
)

// DisputeCase freezes an escrow or a single milestone under contention until
// an arbiter records a resolution. MilestoneID nil means the whole
// transaction is in scope.
type DisputeCase struct {
	ID             uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EscrowID       uuid.UUID               `gorm:"column:escrow_id;type:uuid;not null;index"`
	MilestoneID    *uuid.UUID              `gorm:"column:milestone_id;type:uuid"`
	RaisedBy       uuid.UUID               `gorm:"column:raised_by;type:uuid;not null"`
	Reason         string                  `gorm:"column:reason;not null"`
	Description    *string                 `gorm:"column:description"`
	Resolution     enums.DisputeResolution `gorm:"column:resolution;type:dispute_resolution_enum;not null;default:'unresolved'"`
	SplitPercent   *int                    `gorm:"column:split_percent"`
	ResolutionNote *string                 `gorm:"column:resolution_note"`
	OpenedAt       time.Time               `gorm:"column:opened_at;autoCreateTime"`
	ClosedAt       *time.Time              `gorm:"column:closed_at"`
}

// IsOpen reports whether the case still freezes its scope.
func (d DisputeCase) IsOpen() bool {
	return d.ClosedAt == nil && d.Resolution == enums.DisputeResolutionUnresolved
}
