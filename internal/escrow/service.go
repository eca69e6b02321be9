package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service defines escrow transaction lifecycle operations.
type Service interface {
	Create(ctx context.Context, input CreateTransactionInput) (*models.EscrowTransaction, error)
	Get(ctx context.Context, input GetTransactionInput) (*TransactionView, error)
	ApplyDeposit(ctx context.Context, input ApplyDepositInput) (*DepositResult, error)
	Cancel(ctx context.Context, input CancelTransactionInput) error
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
	ledger ledger.Service
	cfg    config.EscrowConfig
}

// MilestoneInput describes one milestone of the schedule at creation time.
type MilestoneInput struct {
	Title       string
	Description *string
	Amount      int64
}

// CreateTransactionInput captures everything needed to open an escrow.
// ObjectionWindow and SplitPercent default from config when nil.
type CreateTransactionInput struct {
	BuyerID         uuid.UUID
	SellerID        uuid.UUID
	ProjectTitle    string
	TotalAmount     int64
	Currency        enums.Currency
	Milestones      []MilestoneInput
	ObjectionWindow *time.Duration
	SplitPercent    *int
	ActorUserID     uuid.UUID
	ActorRole       enums.ActorRole
}

// GetTransactionInput scopes a read to the requesting actor.
type GetTransactionInput struct {
	EscrowID    uuid.UUID
	ActorUserID uuid.UUID
	ActorRole   enums.ActorRole
}

// TransactionView is a transaction plus its current ledger fold.
type TransactionView struct {
	Transaction *models.EscrowTransaction
	Balance     ledger.Balance
}

// ApplyDepositInput records a confirmed provider deposit against an escrow.
type ApplyDepositInput struct {
	EscrowID        uuid.UUID
	Amount          int64
	Currency        enums.Currency
	ProviderEventID string
}

// DepositResult reports the ledger entry and the post-deposit state.
type DepositResult struct {
	Entry       *models.LedgerEntry
	Transaction *models.EscrowTransaction
	Balance     ledger.Balance
	FullyFunded bool
}

// CancelTransactionInput cancels an escrow before any funds arrive.
type CancelTransactionInput struct {
	EscrowID    uuid.UUID
	ActorUserID uuid.UUID
	ActorRole   enums.ActorRole
}

// EscrowCreatedEvent is emitted when a transaction is opened.
type EscrowCreatedEvent struct {
	EscrowID     uuid.UUID      `json:"escrow_id"`
	BuyerID      uuid.UUID      `json:"buyer_id"`
	SellerID     uuid.UUID      `json:"seller_id"`
	TotalAmount  int64          `json:"total_amount"`
	Currency     enums.Currency `json:"currency"`
	ProjectTitle string         `json:"project_title"`
	Milestones   int            `json:"milestones"`
}

// EscrowFundedEvent is emitted once deposits cover the full total.
type EscrowFundedEvent struct {
	EscrowID  uuid.UUID `json:"escrow_id"`
	Deposited int64     `json:"deposited"`
	Total     int64     `json:"total"`
}

// EscrowCancelledEvent is emitted when a pending escrow is withdrawn.
type EscrowCancelledEvent struct {
	EscrowID    uuid.UUID `json:"escrow_id"`
	CancelledBy uuid.UUID `json:"cancelled_by"`
}

// NewService builds an escrow service with the required dependencies.
func NewService(repo Repository, tx txRunner, outboxSvc outboxPublisher, ledgerSvc ledger.Service, cfg config.EscrowConfig) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	return &service{
		repo:   repo,
		tx:     tx,
		outbox: outboxSvc,
		ledger: ledgerSvc,
		cfg:    cfg,
	}, nil
}

func (s *service) Create(ctx context.Context, input CreateTransactionInput) (*models.EscrowTransaction, error) {
	if input.BuyerID == uuid.Nil || input.SellerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller ids are required")
	}
	if input.BuyerID == input.SellerID {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "buyer and seller must differ")
	}
	if input.ProjectTitle == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "project title is required")
	}
	if input.TotalAmount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "total amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid currency %q", input.Currency))
	}
	if len(input.Milestones) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one milestone is required")
	}

	var sum int64
	for i, m := range input.Milestones {
		if m.Title == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("milestone %d title is required", i))
		}
		if m.Amount <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("milestone %d amount must be positive", i))
		}
		sum += m.Amount
	}
	if sum != input.TotalAmount {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone amounts must sum to the total").
			WithDetails(map[string]int64{"total": input.TotalAmount, "milestone_sum": sum})
	}

	window := s.cfg.ObjectionWindow
	if input.ObjectionWindow != nil {
		if *input.ObjectionWindow <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "objection window must be positive")
		}
		window = *input.ObjectionWindow
	}
	split := s.cfg.DefaultSplitPercent
	if input.SplitPercent != nil {
		if *input.SplitPercent < 0 || *input.SplitPercent > 100 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "split percent must be between 0 and 100")
		}
		split = *input.SplitPercent
	}

	txn := &models.EscrowTransaction{
		BuyerID:       input.BuyerID,
		SellerID:      input.SellerID,
		ProjectTitle:  input.ProjectTitle,
		TotalAmount:   input.TotalAmount,
		Currency:      input.Currency,
		Status:        enums.EscrowStatusPending,
		Version:       1,
		ObjectionSecs: int64(window / time.Second),
		SplitPercent:  split,
	}
	for i, m := range input.Milestones {
		txn.Milestones = append(txn.Milestones, models.EscrowMilestone{
			OrderIndex:  i,
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			Status:      enums.MilestoneStatusPending,
		})
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create escrow transaction")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.OutboxEventTypeEscrowCreated,
			AggregateType: enums.OutboxAggregateTypeEscrow,
			AggregateID:   txn.ID,
			Version:       1,
			Actor:         buildActor(input.ActorUserID, input.ActorRole),
			Data: EscrowCreatedEvent{
				EscrowID:     txn.ID,
				BuyerID:      txn.BuyerID,
				SellerID:     txn.SellerID,
				TotalAmount:  txn.TotalAmount,
				Currency:     txn.Currency,
				ProjectTitle: txn.ProjectTitle,
				Milestones:   len(txn.Milestones),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *service) Get(ctx context.Context, input GetTransactionInput) (*TransactionView, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.ActorUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	txn, err := s.repo.FindTransaction(ctx, input.EscrowID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "escrow transaction not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
	}
	if !txn.IsParty(input.ActorUserID) && input.ActorRole != enums.ActorRoleArbiter {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "actor is not a party to this escrow")
	}

	balance, err := s.ledger.Balance(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	return &TransactionView{Transaction: txn, Balance: balance}, nil
}

func (s *service) ApplyDeposit(ctx context.Context, input ApplyDepositInput) (*DepositResult, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.ProviderEventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider event id is required")
	}

	var result *DepositResult
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			led := s.ledger.WithTx(tx)

			txn, err := repo.FindTransaction(ctx, input.EscrowID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "escrow transaction not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
			}
			if txn.Status.IsTerminal() {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow transaction is closed").
					WithDetails(map[string]any{"status": txn.Status})
			}
			if input.Currency != txn.Currency {
				return pkgerrors.New(pkgerrors.CodeValidation, "deposit currency does not match escrow currency")
			}

			entry, err := led.RecordDeposit(ctx, ledger.RecordDepositInput{
				EscrowID:        txn.ID,
				Amount:          input.Amount,
				Currency:        input.Currency,
				ProviderEventID: input.ProviderEventID,
			})
			if err != nil {
				return err
			}

			balance, err := led.Balance(ctx, txn.ID)
			if err != nil {
				return err
			}

			fullyFunded := balance.Deposited >= txn.TotalAmount
			target := enums.EscrowStatusFunded
			if fullyFunded {
				// Partial deposits hold the transaction in funded; full
				// coverage activates the milestone schedule.
				target = enums.EscrowStatusActive
			}
			if txn.Status != target && CanTransition(txn.Status, target) {
				if err := repo.UpdateTransactionStatus(ctx, txn.ID, txn.Version, target, nil); err != nil {
					return err
				}
				txn.Status = target
				txn.Version++
			}

			result = &DepositResult{
				Entry:       entry,
				Transaction: txn,
				Balance:     balance,
				FullyFunded: fullyFunded,
			}
			if !fullyFunded {
				return nil
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeEscrowFunded,
				AggregateType: enums.OutboxAggregateTypeEscrow,
				AggregateID:   txn.ID,
				Version:       1,
				Actor:         buildActor(uuid.Nil, enums.ActorRoleSystem),
				Data: EscrowFundedEvent{
					EscrowID:  txn.ID,
					Deposited: balance.Deposited,
					Total:     txn.TotalAmount,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Cancel(ctx context.Context, input CancelTransactionInput) error {
	if input.EscrowID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.ActorUserID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	return s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			led := s.ledger.WithTx(tx)

			txn, err := repo.FindTransaction(ctx, input.EscrowID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "escrow transaction not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
			}
			if !txn.IsParty(input.ActorUserID) {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "actor is not a party to this escrow")
			}
			if txn.Status != enums.EscrowStatusPending {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "only pending escrows can be cancelled").
					WithDetails(map[string]any{"status": txn.Status})
			}

			balance, err := led.Balance(ctx, txn.ID)
			if err != nil {
				return err
			}
			if balance.Deposited > 0 {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "funded escrows cannot be cancelled")
			}

			now := time.Now()
			if err := repo.UpdateTransactionStatus(ctx, txn.ID, txn.Version, enums.EscrowStatusCancelled, &now); err != nil {
				return err
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeEscrowCancelled,
				AggregateType: enums.OutboxAggregateTypeEscrow,
				AggregateID:   txn.ID,
				Version:       1,
				Actor:         buildActor(input.ActorUserID, input.ActorRole),
				Data: EscrowCancelledEvent{
					EscrowID:    txn.ID,
					CancelledBy: input.ActorUserID,
				},
			})
		})
	})
}

// retryOnVersionConflict re-runs fn when the CAS write lost a race. Each
// attempt re-reads the aggregate inside a fresh DB transaction.
func (s *service) retryOnVersionConflict(ctx context.Context, fn func() error) error {
	attempts := s.cfg.MaxWriteRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if !pkgerrors.HasCode(err, pkgerrors.CodeVersionConflict) {
			return err
		}
	}
	return err
}

func buildActor(userID uuid.UUID, role enums.ActorRole) *outbox.ActorRef {
	if userID == uuid.Nil && role == "" {
		return nil
	}
	return &outbox.ActorRef{UserID: userID, Role: role.String()}
}
