package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/freeflowlabs/escrow-backend/pkg/enums"
)

// EscrowTransaction is the aggregate root holding buyer funds against a
// project. Version is the optimistic-concurrency counter; every mutation of
// the transaction or one of its milestones goes through a conditional update
// on it.
type EscrowTransaction struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BuyerID       uuid.UUID          `gorm:"column:buyer_id;type:uuid;not null;index"`
	SellerID      uuid.UUID          `gorm:"column:seller_id;type:uuid;not null;index"`
	ProjectTitle  string             `gorm:"column:project_title;not null"`
	TotalAmount   int64              `gorm:"column:total_amount;not null"`
	Currency      enums.Currency     `gorm:"column:currency;type:currency_enum;not null;default:'USD'"`
	Status        enums.EscrowStatus `gorm:"column:status;type:escrow_status_enum;not null;default:'pending'"`
	Version       int64              `gorm:"column:version;not null;default:1"`
	ObjectionSecs int64              `gorm:"column:objection_secs;not null"`
	SplitPercent  int                `gorm:"column:split_percent;not null;default:50"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
	TerminalAt    *time.Time         `gorm:"column:terminal_at"`

	Milestones []EscrowMilestone `gorm:"foreignKey:EscrowID;references:ID"`
}

// ObjectionWindow returns the per-escrow objection window as a duration.
func (t EscrowTransaction) ObjectionWindow() time.Duration {
	return time.Duration(t.ObjectionSecs) * time.Second
}

// IsParty reports whether the user is the buyer or seller of this escrow.
func (t EscrowTransaction) IsParty(userID uuid.UUID) bool {
	return userID != uuid.Nil && (userID == t.BuyerID || userID == t.SellerID)
}
