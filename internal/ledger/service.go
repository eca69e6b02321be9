package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/db"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
)

// Service defines operations that record immutable fund movements.
type Service interface {
	WithTx(tx *gorm.DB) Service
	RecordDeposit(ctx context.Context, input RecordDepositInput) (*models.LedgerEntry, error)
	RecordRelease(ctx context.Context, input RecordReleaseInput) (*models.LedgerEntry, error)
	RecordRefund(ctx context.Context, input RecordRefundInput) (*models.LedgerEntry, error)
	Balance(ctx context.Context, escrowID uuid.UUID) (Balance, error)
	Entries(ctx context.Context, escrowID uuid.UUID) ([]models.LedgerEntry, error)
	FindByProviderEventID(ctx context.Context, providerEventID string) (*models.LedgerEntry, error)
}

// Balance is the fold over a transaction's ledger entries. Escrowed is what
// remains held: deposits minus releases minus refunds.
type Balance struct {
	Deposited int64 `json:"deposited"`
	Released  int64 `json:"released"`
	Refunded  int64 `json:"refunded"`
	Escrowed  int64 `json:"escrowed"`
}

// RecordDepositInput captures a confirmed provider deposit.
type RecordDepositInput struct {
	EscrowID        uuid.UUID
	Amount          int64
	Currency        enums.Currency
	ProviderEventID string
}

// RecordReleaseInput captures a release to the seller. IdempotencyKey must be
// deterministic per milestone so retries collapse onto one entry. MilestoneID
// may be zero for an escrow-wide dispute resolution release, which must carry
// a Reason.
type RecordReleaseInput struct {
	EscrowID       uuid.UUID
	MilestoneID    uuid.UUID
	Amount         int64
	Currency       enums.Currency
	IdempotencyKey string
	Reason         string
}

// RecordRefundInput captures a refund back to the buyer.
type RecordRefundInput struct {
	EscrowID       uuid.UUID
	MilestoneID    *uuid.UUID
	Amount         int64
	Currency       enums.Currency
	IdempotencyKey string
	Reason         string
}

type service struct {
	repo Repository
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	if tx == nil {
		return s
	}
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) RecordDeposit(ctx context.Context, input RecordDepositInput) (*models.LedgerEntry, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "deposit amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	if input.ProviderEventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider event id is required")
	}

	entry := &models.LedgerEntry{
		EscrowID:        input.EscrowID,
		Type:            enums.LedgerEntryTypeDeposit,
		Amount:          input.Amount,
		Currency:        input.Currency,
		ProviderEventID: &input.ProviderEventID,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "provider_event") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDuplicateEvent, err, "deposit event already recorded")
		}
		return nil, err
	}
	return entry, nil
}

func (s *service) RecordRelease(ctx context.Context, input RecordReleaseInput) (*models.LedgerEntry, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.MilestoneID == uuid.Nil && input.Reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "release amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}

	balance, err := s.Balance(ctx, input.EscrowID)
	if err != nil {
		return nil, err
	}
	if input.Amount > balance.Escrowed {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "release exceeds escrowed balance").
			WithDetails(balance)
	}

	entry := &models.LedgerEntry{
		EscrowID:       input.EscrowID,
		Type:           enums.LedgerEntryTypeRelease,
		Amount:         input.Amount,
		Currency:       input.Currency,
		IdempotencyKey: &input.IdempotencyKey,
	}
	if input.MilestoneID != uuid.Nil {
		milestoneID := input.MilestoneID
		entry.MilestoneID = &milestoneID
	}
	if input.Reason != "" {
		entry.Reason = &input.Reason
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "milestone_release", "ledger_entries.milestone_id", "idempotency_key") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDuplicateRelease, err, "release already recorded for milestone")
		}
		return nil, err
	}
	return entry, nil
}

func (s *service) RecordRefund(ctx context.Context, input RecordRefundInput) (*models.LedgerEntry, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.Amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}

	balance, err := s.Balance(ctx, input.EscrowID)
	if err != nil {
		return nil, err
	}
	if input.Amount > balance.Escrowed {
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "refund exceeds escrowed balance").
			WithDetails(balance)
	}

	entry := &models.LedgerEntry{
		EscrowID:       input.EscrowID,
		MilestoneID:    input.MilestoneID,
		Type:           enums.LedgerEntryTypeRefund,
		Amount:         input.Amount,
		Currency:       input.Currency,
		IdempotencyKey: &input.IdempotencyKey,
	}
	if input.Reason != "" {
		entry.Reason = &input.Reason
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		if db.IsUniqueViolation(err, "idempotency_key") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDuplicateEvent, err, "refund already recorded")
		}
		return nil, err
	}
	return entry, nil
}

func (s *service) Balance(ctx context.Context, escrowID uuid.UUID) (Balance, error) {
	if escrowID == uuid.Nil {
		return Balance{}, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	entries, err := s.repo.ListByEscrowID(ctx, escrowID)
	if err != nil {
		return Balance{}, err
	}
	var balance Balance
	for _, entry := range entries {
		switch entry.Type {
		case enums.LedgerEntryTypeDeposit:
			balance.Deposited += entry.Amount
		case enums.LedgerEntryTypeRelease:
			balance.Released += entry.Amount
		case enums.LedgerEntryTypeRefund:
			balance.Refunded += entry.Amount
		}
	}
	balance.Escrowed = balance.Deposited - balance.Released - balance.Refunded
	return balance, nil
}

func (s *service) Entries(ctx context.Context, escrowID uuid.UUID) ([]models.LedgerEntry, error) {
	if escrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	return s.repo.ListByEscrowID(ctx, escrowID)
}

func (s *service) FindByProviderEventID(ctx context.Context, providerEventID string) (*models.LedgerEntry, error) {
	if providerEventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider event id is required")
	}
	return s.repo.FindByProviderEventID(ctx, providerEventID)
}
