package disputes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
	"github.com/freeflowlabs/escrow-backend/pkg/square"
)

// resolutionKeyNamespace seeds the deterministic idempotency keys for the
// ledger legs of a dispute resolution, one per case and leg.
var resolutionKeyNamespace = uuid.MustParse("3b8e5a21-7c4d-4f9e-a1b6-8d2c0e7f5a94")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// refundGateway issues provider refunds for the buyer's share of a
// resolution. Satisfied by the Square client.
type refundGateway interface {
	RefundPayment(ctx context.Context, params square.RefundCreateParams) (*sq.PaymentRefund, error)
}

// Service freezes escrows under contention and disburses remaining funds when
// an arbiter rules.
type Service interface {
	Open(ctx context.Context, input OpenInput) (*models.DisputeCase, error)
	Resolve(ctx context.Context, input ResolveInput) (*Resolution, error)
	Get(ctx context.Context, id uuid.UUID) (*models.DisputeCase, error)
	HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error)
}

type service struct {
	repo       Repository
	escrowRepo escrow.Repository
	ledger     ledger.Service
	gateway    refundGateway
	tx         txRunner
	outbox     outboxPublisher
	cfg        config.EscrowConfig
	now        func() time.Time
}

// OpenInput raises a dispute on an escrow or one of its milestones.
type OpenInput struct {
	EscrowID    uuid.UUID
	MilestoneID *uuid.UUID
	RaisedBy    uuid.UUID
	Reason      string
	Description *string
}

// ResolveInput records the arbiter's ruling on an open case.
type ResolveInput struct {
	CaseID       uuid.UUID
	ResolvedBy   uuid.UUID
	ActorRole    enums.ActorRole
	Resolution   enums.DisputeResolution
	SplitPercent *int
	Note         *string
}

// Resolution reports how the remaining escrowed balance was disbursed.
type Resolution struct {
	Case        *models.DisputeCase
	Transaction *models.EscrowTransaction
	SellerShare int64
	BuyerShare  int64
}

// DisputeOpenedEvent is emitted when a case freezes an escrow.
type DisputeOpenedEvent struct {
	EscrowID    uuid.UUID  `json:"escrow_id"`
	CaseID      uuid.UUID  `json:"case_id"`
	MilestoneID *uuid.UUID `json:"milestone_id,omitempty"`
	Reason      string     `json:"reason"`
}

// DisputeResolvedEvent is emitted when the arbiter's ruling is recorded.
type DisputeResolvedEvent struct {
	EscrowID    uuid.UUID               `json:"escrow_id"`
	CaseID      uuid.UUID               `json:"case_id"`
	Resolution  enums.DisputeResolution `json:"resolution"`
	SellerShare int64                   `json:"seller_share"`
	BuyerShare  int64                   `json:"buyer_share"`
}

// NewService builds the dispute resolver.
func NewService(repo Repository, escrowRepo escrow.Repository, ledgerSvc ledger.Service, gateway refundGateway, tx txRunner, outboxSvc outboxPublisher, cfg config.EscrowConfig) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("dispute repository required")
	}
	if escrowRepo == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("refund gateway required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:       repo,
		escrowRepo: escrowRepo,
		ledger:     ledgerSvc,
		gateway:    gateway,
		tx:         tx,
		outbox:     outboxSvc,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

func (s *service) Open(ctx context.Context, input OpenInput) (*models.DisputeCase, error) {
	if input.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if input.RaisedBy == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.Reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "dispute reason is required")
	}

	var result *models.DisputeCase
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			escrows := s.escrowRepo.WithTx(tx)
			txn, err := escrows.FindTransaction(ctx, input.EscrowID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "escrow transaction not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
			}
			if !txn.IsParty(input.RaisedBy) {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only a party can raise a dispute")
			}
			if !escrow.CanTransition(txn.Status, enums.EscrowStatusDisputed) {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow cannot be disputed in current state").
					WithDetails(map[string]any{"status": txn.Status})
			}
			if input.MilestoneID != nil {
				milestone, err := escrows.FindMilestone(ctx, *input.MilestoneID)
				if err != nil {
					if err == gorm.ErrRecordNotFound {
						return pkgerrors.New(pkgerrors.CodeNotFound, "milestone not found")
					}
					return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load milestone")
				}
				if milestone.EscrowID != txn.ID {
					return pkgerrors.New(pkgerrors.CodeValidation, "milestone does not belong to this escrow")
				}
				if milestone.Status == enums.MilestoneStatusPaid {
					return pkgerrors.New(pkgerrors.CodeInvalidTransition, "milestone funds already released")
				}
			}

			disputeCase := &models.DisputeCase{
				EscrowID:    txn.ID,
				MilestoneID: input.MilestoneID,
				RaisedBy:    input.RaisedBy,
				Reason:      input.Reason,
				Description: input.Description,
				Resolution:  enums.DisputeResolutionUnresolved,
				OpenedAt:    s.now().UTC(),
			}
			if err := s.repo.WithTx(tx).Create(ctx, disputeCase); err != nil {
				if db.IsUniqueViolation(err, "open_per_escrow", "dispute_cases.escrow_id") {
					return pkgerrors.Wrap(pkgerrors.CodeDisputeAlreadyOpen, err, "a dispute is already open for this escrow")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create dispute case")
			}
			if err := escrows.UpdateTransactionStatus(ctx, txn.ID, txn.Version, enums.EscrowStatusDisputed, nil); err != nil {
				return err
			}

			result = disputeCase
			role := enums.ActorRoleBuyer
			if input.RaisedBy == txn.SellerID {
				role = enums.ActorRoleSeller
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeDisputeOpened,
				AggregateType: enums.OutboxAggregateTypeDispute,
				AggregateID:   disputeCase.ID,
				Version:       1,
				Actor:         &outbox.ActorRef{UserID: input.RaisedBy, Role: role.String()},
				Data: DisputeOpenedEvent{
					EscrowID:    txn.ID,
					CaseID:      disputeCase.ID,
					MilestoneID: input.MilestoneID,
					Reason:      input.Reason,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Resolve(ctx context.Context, input ResolveInput) (*Resolution, error) {
	if input.CaseID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "case id is required")
	}
	if input.ResolvedBy == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.ActorRole != enums.ActorRoleArbiter {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only an arbiter can resolve a dispute")
	}
	if !input.Resolution.IsTerminal() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "resolution must be buyer_favor, seller_favor, or split")
	}

	var result *Resolution
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			cases := s.repo.WithTx(tx)
			escrows := s.escrowRepo.WithTx(tx)
			led := s.ledger.WithTx(tx)

			disputeCase, err := cases.FindByID(ctx, input.CaseID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "dispute case not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dispute case")
			}
			if !disputeCase.IsOpen() {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "dispute case already resolved").
					WithDetails(map[string]any{"resolution": disputeCase.Resolution})
			}
			txn, err := escrows.FindTransaction(ctx, disputeCase.EscrowID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
			}
			if txn.Status != enums.EscrowStatusDisputed {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow is not frozen by this dispute").
					WithDetails(map[string]any{"status": txn.Status})
			}

			balance, err := led.Balance(ctx, txn.ID)
			if err != nil {
				return err
			}
			if balance.Escrowed <= 0 {
				return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "no escrowed funds remain to disburse").
					WithDetails(balance)
			}

			sellerShare, buyerShare, splitPercent, err := s.shares(input, txn, balance.Escrowed)
			if err != nil {
				return err
			}

			reason := fmt.Sprintf("dispute %s resolved %s", disputeCase.ID, input.Resolution)
			if buyerShare > 0 {
				if err := s.refundBuyer(ctx, led, txn, buyerShare, disputeCase.ID, reason); err != nil {
					return err
				}
				if _, err := led.RecordRefund(ctx, ledger.RecordRefundInput{
					EscrowID:       txn.ID,
					MilestoneID:    disputeCase.MilestoneID,
					Amount:         buyerShare,
					Currency:       txn.Currency,
					IdempotencyKey: resolutionKey(disputeCase.ID, "refund"),
					Reason:         reason,
				}); err != nil {
					return err
				}
			}
			if sellerShare > 0 {
				if _, err := led.RecordRelease(ctx, ledger.RecordReleaseInput{
					EscrowID:       txn.ID,
					Amount:         sellerShare,
					Currency:       txn.Currency,
					IdempotencyKey: resolutionKey(disputeCase.ID, "release"),
					Reason:         reason,
				}); err != nil {
					return err
				}
			}

			now := s.now().UTC()
			target := enums.EscrowStatusReleased
			if sellerShare == 0 {
				target = enums.EscrowStatusRefunded
			}
			if err := escrows.UpdateTransactionStatus(ctx, txn.ID, txn.Version, target, &now); err != nil {
				return err
			}
			txn.Status = target
			txn.TerminalAt = &now
			txn.Version++

			disputeCase.Resolution = input.Resolution
			disputeCase.SplitPercent = splitPercent
			disputeCase.ResolutionNote = input.Note
			disputeCase.ClosedAt = &now
			if err := cases.Close(ctx, disputeCase); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "close dispute case")
			}

			result = &Resolution{
				Case:        disputeCase,
				Transaction: txn,
				SellerShare: sellerShare,
				BuyerShare:  buyerShare,
			}
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeDisputeResolved,
				AggregateType: enums.OutboxAggregateTypeDispute,
				AggregateID:   disputeCase.ID,
				Version:       1,
				Actor:         &outbox.ActorRef{UserID: input.ResolvedBy, Role: enums.ActorRoleArbiter.String()},
				Data: DisputeResolvedEvent{
					EscrowID:    txn.ID,
					CaseID:      disputeCase.ID,
					Resolution:  input.Resolution,
					SellerShare: sellerShare,
					BuyerShare:  buyerShare,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.DisputeCase, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "case id is required")
	}
	disputeCase, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "dispute case not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load dispute case")
	}
	return disputeCase, nil
}

func (s *service) HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error) {
	return s.repo.HasOpenDispute(ctx, escrowID, milestoneID)
}

// shares splits the remaining escrowed balance per the ruling. Division uses
// exact decimal math; the buyer receives any rounding remainder.
func (s *service) shares(input ResolveInput, txn *models.EscrowTransaction, remaining int64) (sellerShare, buyerShare int64, splitPercent *int, err error) {
	switch input.Resolution {
	case enums.DisputeResolutionBuyerFavor:
		return 0, remaining, nil, nil
	case enums.DisputeResolutionSellerFavor:
		return remaining, 0, nil, nil
	case enums.DisputeResolutionSplit:
		percent := txn.SplitPercent
		if input.SplitPercent != nil {
			percent = *input.SplitPercent
		}
		if percent < 0 || percent > 100 {
			return 0, 0, nil, pkgerrors.New(pkgerrors.CodeValidation, "split percent must be between 0 and 100")
		}
		seller := decimal.NewFromInt(remaining).
			Mul(decimal.NewFromInt(int64(percent))).
			Div(decimal.NewFromInt(100)).
			Floor().
			IntPart()
		return seller, remaining - seller, &percent, nil
	default:
		return 0, 0, nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported resolution")
	}
}

// refundBuyer pushes the buyer's share back through the gateway against the
// original deposit payments, oldest first. Keys are deterministic per case and
// payment so a retried transaction cannot double-refund at the provider.
func (s *service) refundBuyer(ctx context.Context, led ledger.Service, txn *models.EscrowTransaction, amount int64, caseID uuid.UUID, reason string) error {
	entries, err := led.Entries(ctx, txn.ID)
	if err != nil {
		return err
	}
	remaining := amount
	for _, entry := range entries {
		if remaining <= 0 {
			break
		}
		if entry.Type != enums.LedgerEntryTypeDeposit || entry.ProviderEventID == nil {
			continue
		}
		slice := entry.Amount
		if slice > remaining {
			slice = remaining
		}
		if _, err := s.gateway.RefundPayment(ctx, square.RefundCreateParams{
			PaymentID:      *entry.ProviderEventID,
			AmountCents:    slice,
			Currency:       txn.Currency.String(),
			IdempotencyKey: resolutionKey(caseID, "refund-"+*entry.ProviderEventID),
			Reason:         reason,
		}); err != nil {
			return err
		}
		remaining -= slice
	}
	if remaining > 0 {
		return pkgerrors.New(pkgerrors.CodeInsufficientFunds, "deposit payments do not cover the buyer share").
			WithDetails(map[string]any{"uncovered": remaining})
	}
	return nil
}

func resolutionKey(caseID uuid.UUID, leg string) string {
	return uuid.NewSHA1(resolutionKeyNamespace, append(caseID[:], leg...)).String()
}

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
