package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ReleaseRequest is the audit record of a release authorization attempt.
// Approvals holds the actor ids that signed off as a JSON array.
type ReleaseRequest struct {
	ID                uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	MilestoneID       uuid.UUID       `gorm:"column:milestone_id;type:uuid;not null;index"`
	RequestedBy       uuid.UUID       `gorm:"column:requested_by;type:uuid;not null"`
	IdempotencyKey    string          `gorm:"column:idempotency_key;not null"`
	Approvals         json.RawMessage `gorm:"column:approvals;type:jsonb"`
	RequiredApprovals int             `gorm:"column:required_approvals;not null;default:1"`
	ResolvedAt        *time.Time      `gorm:"column:resolved_at"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime"`
}
