package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/freeflowlabs/escrow-backend/pkg/enums"
)

// EscrowMilestone is a priced sub-deliverable of an escrow transaction with
// its own approval/release lifecycle. Amount is immutable once paid.
type EscrowMilestone struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EscrowID          uuid.UUID             `gorm:"column:escrow_id;type:uuid;not null;index"`
	OrderIndex        int                   `gorm:"column:order_index;not null"`
	Title             string                `gorm:"column:title;not null"`
	Description       *string               `gorm:"column:description"`
	Amount            int64                 `gorm:"column:amount;not null"`
	Status            enums.MilestoneStatus `gorm:"column:status;type:milestone_status_enum;not null;default:'pending'"`
	ObjectionDeadline *time.Time            `gorm:"column:objection_deadline"`
	RejectionReason   *string               `gorm:"column:rejection_reason"`
	ApprovalNote      *string               `gorm:"column:approval_note"`
	PaidAt            *time.Time            `gorm:"column:paid_at"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}
