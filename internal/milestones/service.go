package milestones

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/release"
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

// releaseAuthorizer pays out a milestone once its guards pass. Approval
// chains straight into it so the buyer's sign-off moves the funds.
type releaseAuthorizer interface {
	Authorize(ctx context.Context, input release.AuthorizeInput) (*release.Result, error)
}

// Service defines the milestone lifecycle operations a party can trigger.
// Approve pays the milestone through the release authorizer in the same
// call; Submit and Reject only move the schedule.
type Service interface {
	Submit(ctx context.Context, input SubmitInput) (*models.EscrowMilestone, error)
	Approve(ctx context.Context, input ApproveInput) (*models.EscrowMilestone, error)
	Reject(ctx context.Context, input RejectInput) (*models.EscrowMilestone, error)
}

type service struct {
	repo     escrow.Repository
	tx       txRunner
	outbox   outboxPublisher
	releaser releaseAuthorizer
	cfg      config.EscrowConfig
	now      func() time.Time
}

// SubmitInput marks a deliverable as handed over by the seller.
type SubmitInput struct {
	MilestoneID uuid.UUID
	ActorUserID uuid.UUID
	ActorRole   enums.ActorRole
}

// ApproveInput is the buyer's explicit sign-off on a submitted milestone.
type ApproveInput struct {
	MilestoneID uuid.UUID
	ActorUserID uuid.UUID
	ActorRole   enums.ActorRole
	Note        *string
}

// RejectInput sends a submitted milestone back to the seller with a reason.
type RejectInput struct {
	MilestoneID uuid.UUID
	ActorUserID uuid.UUID
	ActorRole   enums.ActorRole
	Reason      string
}

// MilestoneEvent is the shared outbox payload for milestone transitions.
type MilestoneEvent struct {
	EscrowID          uuid.UUID             `json:"escrow_id"`
	MilestoneID       uuid.UUID             `json:"milestone_id"`
	Status            enums.MilestoneStatus `json:"status"`
	ObjectionDeadline *time.Time            `json:"objection_deadline,omitempty"`
	Reason            *string               `json:"reason,omitempty"`
}

// NewService builds a milestone service on top of the escrow aggregate.
func NewService(repo escrow.Repository, tx txRunner, outboxSvc outboxPublisher, releaser releaseAuthorizer, cfg config.EscrowConfig) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("escrow repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if releaser == nil {
		return nil, fmt.Errorf("release authorizer required")
	}
	return &service{
		repo:     repo,
		tx:       tx,
		outbox:   outboxSvc,
		releaser: releaser,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

func (s *service) Submit(ctx context.Context, input SubmitInput) (*models.EscrowMilestone, error) {
	if input.MilestoneID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone id is required")
	}
	if input.ActorUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	var result *models.EscrowMilestone
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			milestone, txn, err := s.loadScope(ctx, repo, input.MilestoneID)
			if err != nil {
				return err
			}
			if txn.SellerID != input.ActorUserID {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only the seller can submit a milestone")
			}
			if err := s.requireWritable(txn); err != nil {
				return err
			}
			if !CanTransition(milestone.Status, enums.MilestoneStatusSubmitted) {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "milestone cannot be submitted in current state").
					WithDetails(map[string]any{"status": milestone.Status})
			}

			deadline := s.now().Add(txn.ObjectionWindow()).UTC()
			milestone.Status = enums.MilestoneStatusSubmitted
			milestone.ObjectionDeadline = &deadline
			milestone.RejectionReason = nil
			if err := repo.UpdateMilestone(ctx, milestone); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update milestone")
			}
			if err := repo.BumpTransactionVersion(ctx, txn.ID, txn.Version); err != nil {
				return err
			}

			result = milestone
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeMilestoneSubmitted,
				AggregateType: enums.OutboxAggregateTypeMilestone,
				AggregateID:   milestone.ID,
				Version:       1,
				Actor:         &outbox.ActorRef{UserID: input.ActorUserID, Role: enums.ActorRoleSeller.String()},
				Data: MilestoneEvent{
					EscrowID:          txn.ID,
					MilestoneID:       milestone.ID,
					Status:            milestone.Status,
					ObjectionDeadline: milestone.ObjectionDeadline,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Approve(ctx context.Context, input ApproveInput) (*models.EscrowMilestone, error) {
	if input.MilestoneID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone id is required")
	}
	if input.ActorUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}

	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			milestone, txn, err := s.loadScope(ctx, repo, input.MilestoneID)
			if err != nil {
				return err
			}
			if txn.BuyerID != input.ActorUserID {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only the buyer can approve a milestone")
			}
			// Approval releases funds, so an open dispute blocks it outright.
			if txn.Status == enums.EscrowStatusDisputed {
				return pkgerrors.New(pkgerrors.CodeDisputeBlocksRelease, "an open dispute blocks approval and release")
			}
			if err := s.requireWritable(txn); err != nil {
				return err
			}
			if !CanTransition(milestone.Status, enums.MilestoneStatusApproved) {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "milestone cannot be approved in current state").
					WithDetails(map[string]any{"status": milestone.Status})
			}

			milestone.Status = enums.MilestoneStatusApproved
			milestone.ApprovalNote = input.Note
			// Explicit approval supersedes the objection clock.
			milestone.ObjectionDeadline = nil
			if err := repo.UpdateMilestone(ctx, milestone); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update milestone")
			}
			if err := repo.BumpTransactionVersion(ctx, txn.ID, txn.Version); err != nil {
				return err
			}

			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeMilestoneApproved,
				AggregateType: enums.OutboxAggregateTypeMilestone,
				AggregateID:   milestone.ID,
				Version:       1,
				Actor:         &outbox.ActorRef{UserID: input.ActorUserID, Role: enums.ActorRoleBuyer.String()},
				Data: MilestoneEvent{
					EscrowID:    txn.ID,
					MilestoneID: milestone.ID,
					Status:      milestone.Status,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}

	// Buyer sign-off is the payment trigger: the approved milestone goes
	// through the authorizer immediately, not on the next sweep.
	released, err := s.releaser.Authorize(ctx, release.AuthorizeInput{
		MilestoneID: input.MilestoneID,
		RequestedBy: input.ActorUserID,
		ActorRole:   input.ActorRole,
	})
	if err != nil {
		return nil, err
	}
	return released.Milestone, nil
}

func (s *service) Reject(ctx context.Context, input RejectInput) (*models.EscrowMilestone, error) {
	if input.MilestoneID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "milestone id is required")
	}
	if input.ActorUserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if input.Reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "rejection reason is required")
	}

	var result *models.EscrowMilestone
	err := s.retryOnVersionConflict(ctx, func() error {
		return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
			repo := s.repo.WithTx(tx)
			milestone, txn, err := s.loadScope(ctx, repo, input.MilestoneID)
			if err != nil {
				return err
			}
			if txn.BuyerID != input.ActorUserID {
				return pkgerrors.New(pkgerrors.CodeUnauthorizedActor, "only the buyer can reject a milestone")
			}
			if err := s.requireWritable(txn); err != nil {
				return err
			}
			if !CanTransition(milestone.Status, enums.MilestoneStatusRejected) {
				return pkgerrors.New(pkgerrors.CodeInvalidTransition, "milestone cannot be rejected in current state").
					WithDetails(map[string]any{"status": milestone.Status})
			}

			reason := input.Reason
			milestone.Status = enums.MilestoneStatusRejected
			milestone.RejectionReason = &reason
			// Rejection stops the auto-release clock.
			milestone.ObjectionDeadline = nil
			if err := repo.UpdateMilestone(ctx, milestone); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update milestone")
			}
			if err := repo.BumpTransactionVersion(ctx, txn.ID, txn.Version); err != nil {
				return err
			}

			result = milestone
			return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.OutboxEventTypeMilestoneRejected,
				AggregateType: enums.OutboxAggregateTypeMilestone,
				AggregateID:   milestone.ID,
				Version:       1,
				Actor:         &outbox.ActorRef{UserID: input.ActorUserID, Role: enums.ActorRoleBuyer.String()},
				Data: MilestoneEvent{
					EscrowID:    txn.ID,
					MilestoneID: milestone.ID,
					Status:      milestone.Status,
					Reason:      milestone.RejectionReason,
				},
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) loadScope(ctx context.Context, repo escrow.Repository, milestoneID uuid.UUID) (*models.EscrowMilestone, *models.EscrowTransaction, error) {
	milestone, err := repo.FindMilestone(ctx, milestoneID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, pkgerrors.New(pkgerrors.CodeNotFound, "milestone not found")
		}
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load milestone")
	}
	txn, err := repo.FindTransaction(ctx, milestone.EscrowID)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load escrow transaction")
	}
	return milestone, txn, nil
}

// requireWritable rejects milestone writes unless the escrow is active. A
// disputed escrow freezes the whole schedule until the arbiter resolves.
func (s *service) requireWritable(txn *models.EscrowTransaction) error {
	if txn.Status == enums.EscrowStatusDisputed {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow is frozen by an open dispute")
	}
	if txn.Status != enums.EscrowStatusActive {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition, "escrow is not active").
			WithDetails(map[string]any{"status": txn.Status})
	}
	return nil
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
