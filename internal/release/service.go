package release

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
)

// releaseKeyNamespace seeds the deterministic idempotency key for a
// milestone release. The key is stable across retries and processes.
var releaseKeyNamespace = uuid.MustParse("9f2c1d84-5a7e-4b3f-8c6d-2e1a0b9f4d73")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// DisputeChecker reports whether an open dispute covers the given scope.
// A transaction-wide case (nil milestone) covers every milestone.
type DisputeChecker interface {
	HasOpenDispute(ctx context.Context, escrowID uuid.UUID, milestoneID uuid.UUID) (bool, error)
}

// Service is the sole entry point allowed to request a ledger release.
type Service interface {
	Authorize(ctx context.Context, input AuthorizeInput) (*Result, error)
}

type service struct {
	escrowRepo escrow.Repository
	requests   Repository
	disputes   DisputeChecker
	ledger     ledger.Service
	tx         txRunner
	outbox     outboxPublisher
	cfg        config.EscrowConfig
	now        func() time.Time
}

// AuthorizeInput asks the policy engine to release one milestone's funds.
type AuthorizeInput struct {
	MilestoneID uuid.UUID
	RequestedBy uuid.UUID
	ActorRole   enums.ActorRole
}

// Result reports the outcome of a successful authorization.
type Result struct {
	Milestone   *models.EscrowMilestone
	Transaction *models.EscrowTransaction
	Entry       *models.LedgerEntry
	Final       bool
}

// MilestonePaidEvent is emitted when a milestone's funds are released.
type MilestonePaidEvent struct {
	EscrowID    uuid.UUID `json:"escrow_id"`
	MilestoneID uuid.UUID `json:"milestone_id"`
	Amount      int64     `json:"amount"`
	Final       bool      `json:"final"`
}

// EscrowReleasedEvent is emitted when the last milestone is paid.
type EscrowReleasedEvent struct {
	EscrowID uuid.UUID `json:"escrow_id"`
	Released int64     `json:"released"`
}

// NewService builds the release authorizer.
func NewService(escrowRepo escrow.Repository, requests Repository, disputes DisputeChecker, ledgerSvc ledger.Service, tx txRunner, outboxSvc outboxPublisher, cfg config.EscrowConfig) (Service, error) {
	if escrowRepo == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if requests == nil {
		return nil, fmt.Errorf("release request repository required")
	}
	if disputes == nil {
		return nil, fmt.Errorf("dispute checker required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		escrowRepo: escrowRepo,
		requests:   requests,
		disputes:   disputes,
		ledger:     ledgerSvc,
		tx:         tx,
		outbox:     outboxSvc,
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// ReleaseIdempotencyKey derives the stable key for a milestone release.
func ReleaseIdempotencyKey(milestoneID uuid.UUID) string {
	return uuid.NewSHA1(releaseKeyNamespace, milestoneID[:]).String()
}

func (s *service) Authorize(ctx context.Context, input AuthorizeInput) (*Result, error) {
	if input.MilestoneID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone id is required")
	}

	var result *Result
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.escrowRepo.WithTx(tx)
			led := s.ledger.WithTx(tx)

			milestone, err := repo.FindMilestone(ctx, input.MilestoneID)
			if err != nil {
				if err == gorm.ErrRecordNotFound {
					return pkgerrors.New(pkgerrors.CodeNotFound, "milestone not found")
				}
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load milestone")
			}
			txn, err := repo.FindTransaction(ctx, milestone.EscrowID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
			}
			if txn.Status.IsTerminal() {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow transaction is closed").
					WithDetails(map[string]any{"status": txn.Status})
			}
			if input.RequestedBy != uuid.Nil && !txn.IsParty(input.RequestedBy) && input.ActorRole != enums.ActorRoleArbiter {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "actor is not a party to this escrow")
			}

			// Policy step 1: an open dispute on this scope denies everything.
			if txn.Status == enums.EscrowStatusDisputed {
				return pkgerrors.New(pkgerrors.CodeDisputeBlocksRelease, "an open dispute blocks release")
			}
			frozen, err := s.disputes.HasOpenDispute(ctx, txn.ID, milestone.ID)
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check open disputes")
			}
			if frozen {
				return pkgerrors.New(pkgerrors.CodeDisputeBlocksRelease, "an open dispute blocks release")
			}

			// Policy steps 2 and 3: explicit approval, or objection deadline
			// elapsed on a submitted milestone.
			switch {
			case milestone.Status == enums.MilestoneStatusApproved:
			case milestone.Status == enums.MilestoneStatusSubmitted &&
				milestone.ObjectionDeadline != nil &&
				!milestone.ObjectionDeadline.After(s.now()):
			default:
				return pkgerrors.New(pkgerrors.CodeNotYetApprovable, "milestone is not approvable yet").
					WithDetails(map[string]any{
						"status":             milestone.Status,
						"objection_deadline": milestone.ObjectionDeadline,
					})
			}

			key := ReleaseIdempotencyKey(milestone.ID)
			entry, err := led.RecordRelease(ctx, ledger.RecordReleaseInput{
				EscrowID:       txn.ID,
				MilestoneID:    milestone.ID,
				Amount:         milestone.Amount,
				Currency:       txn.Currency,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}

			now := s.now().UTC()
			milestone.Status = enums.MilestoneStatusPaid
			milestone.PaidAt = &now
			milestone.ObjectionDeadline = nil
			if err := repo.UpdateMilestone(ctx, milestone); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update milestone")
			}

			final, err := s.allMilestonesPaid(ctx, repo, txn.ID, milestone.ID)
			if err != nil {
				return err
			}
			if final {
				if err := repo.UpdateTransactionStatus(ctx, txn.ID, txn.Version, enums.EscrowStatusReleased, &now); err != nil {
					return err
				}
				txn.Status = enums.EscrowStatusReleased
				txn.TerminalAt = &now
			} else {
				if err := repo.BumpTransactionVersion(ctx, txn.ID, txn.Version); err != nil {
					return err
				}
			}
			txn.Version++

			approvals, _ := json.Marshal([]uuid.UUID{input.RequestedBy})
			request := &models.ReleaseRequest{
				MilestoneID:       milestone.ID,
				RequestedBy:       input.RequestedBy,
				IdempotencyKey:    key,
				Approvals:         approvals,
				RequiredApprovals: 1,
				ResolvedAt:        &now,
			}
			if err := s.requests.WithTx(tx).Create(ctx, request); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record release request")
			}

			actor := &outbox.ActorRef{UserID: input.RequestedBy, Role: input.ActorRole.String()}
			if input.RequestedBy == uuid.Nil {
				actor = &outbox.ActorRef{Role: enums.ActorRoleSystem.String()}
			}
			if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeMilestonePaid,
				AggregateType: enums.OutboxAggregateTypeMilestone,
				AggregateID:   milestone.ID,
				Version:       1,
				Actor:         actor,
				Data: MilestonePaidEvent{
					EscrowID:    txn.ID,
					MilestoneID: milestone.ID,
					Amount:      milestone.Amount,
					Final:       final,
				},
			}); err != nil {
				return err
			}
			if final {
				balance, err := led.Balance(ctx, txn.ID)
				if err != nil {
					return err
				}
				if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
					EventType:     enums.OutboxEventTypeEscrowReleased,
					AggregateType: enums.OutboxAggregateTypeEscrow,
					AggregateID:   txn.ID,
					Version:       1,
					Actor:         actor,
					Data: EscrowReleasedEvent{
						EscrowID: txn.ID,
						Released: balance.Released,
					},
				}); err != nil {
					return err
				}
			}

			result = &Result{
				Milestone:   milestone,
				Transaction: txn,
				Entry:       entry,
				Final:       final,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allMilestonesPaid re-reads the schedule inside the transaction; justPaid
// is already updated in the same tx so the read sees it.
func (s *service) allMilestonesPaid(ctx context.Context, repo escrow.Repository, escrowID, justPaid uuid.UUID) (bool, error) {
	txn, err := repo.FindTransaction(ctx, escrowID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload escrow transaction")
	}
	for _, m := range txn.Milestones {
		if m.ID == justPaid {
			continue
		}
		if m.Status != enums.MilestoneStatusPaid {
			return false, nil
		}
	}
	return true, nil
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
