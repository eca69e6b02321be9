package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/freeflowlabs/escrow-backend/pkg/enums"
)

// LedgerEntry records an immutable fund movement tied to an escrow
// transaction. The table is append-only; balances are folds over entries.
// ProviderEventID de-duplicates gateway webhooks, IdempotencyKey de-duplicates
// client/authorizer retries, and a unique (milestone_id, type) index caps
// releases at one per milestone.
type LedgerEntry struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	EscrowID        uuid.UUID             `gorm:"column:escrow_id;type:uuid;not null;index"`
	MilestoneID     *uuid.UUID            `gorm:"column:milestone_id;type:uuid"`
	Type            enums.LedgerEntryType `gorm:"column:type;type:ledger_entry_type_enum;not null"`
	Amount          int64                 `gorm:"column:amount;not null"`
	Currency        enums.Currency        `gorm:"column:currency;type:currency_enum;not null"`
	ProviderEventID *string               `gorm:"column:provider_event_id;unique"`
	IdempotencyKey  *string               `gorm:"column:idempotency_key;unique"`
	Reason          *string               `gorm:"column:reason"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
}
