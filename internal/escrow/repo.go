package escrow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
)

// Repository manages persistence for escrow transactions and their
// milestones. Every status write goes through a version-conditional update;
// the version column is the aggregate's concurrency token.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateTransaction(ctx context.Context, txn *models.EscrowTransaction) error
	FindTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error)
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, status enums.EscrowStatus, terminalAt *time.Time) error
	BumpTransactionVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error
	FindMilestone(ctx context.Context, id uuid.UUID) (*models.EscrowMilestone, error)
	UpdateMilestone(ctx context.Context, milestone *models.EscrowMilestone) error
	ListSubmittedPastDeadline(ctx context.Context, cutoff time.Time, limit int) ([]models.EscrowMilestone, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an escrow repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.EscrowTransaction) error {
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	for i := range txn.Milestones {
		if txn.Milestones[i].ID == uuid.Nil {
			txn.Milestones[i].ID = uuid.New()
		}
		txn.Milestones[i].EscrowID = txn.ID
	}
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) FindTransaction(ctx context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	var txn models.EscrowTransaction
	err := r.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		First(&txn, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// UpdateTransactionStatus performs the CAS write: the row is only touched
// when the caller's observed version still matches. A lost race surfaces as
// CodeVersionConflict so callers can re-read and retry.
func (r *repository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, expectedVersion int64, status enums.EscrowStatus, terminalAt *time.Time) error {
	updates := map[string]any{
		"status":  status,
		"version": expectedVersion + 1,
	}
	if terminalAt != nil {
		updates["terminal_at"] = *terminalAt
	}
	res := r.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeVersionConflict, "escrow transaction modified concurrently")
	}
	return nil
}

// BumpTransactionVersion advances the version without a status change. Used
// by milestone writes so any concurrent transaction-level mutation loses.
func (r *repository) BumpTransactionVersion(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	res := r.db.WithContext(ctx).
		Model(&models.EscrowTransaction{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Update("version", expectedVersion+1)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeVersionConflict, "escrow transaction modified concurrently")
	}
	return nil
}

func (r *repository) FindMilestone(ctx context.Context, id uuid.UUID) (*models.EscrowMilestone, error) {
	var milestone models.EscrowMilestone
	if err := r.db.WithContext(ctx).First(&milestone, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (r *repository) UpdateMilestone(ctx context.Context, milestone *models.EscrowMilestone) error {
	return r.db.WithContext(ctx).
		Model(&models.EscrowMilestone{}).
		Where("id = ?", milestone.ID).
		Select("status", "objection_deadline", "rejection_reason", "approval_note", "paid_at").
		Updates(milestone).Error
}

func (r *repository) ListSubmittedPastDeadline(ctx context.Context, cutoff time.Time, limit int) ([]models.EscrowMilestone, error) {
	var milestones []models.EscrowMilestone
	query := r.db.WithContext(ctx).
		Where("status = ?", enums.MilestoneStatusSubmitted).
		Where("objection_deadline IS NOT NULL AND objection_deadline <= ?", cutoff).
		Order("objection_deadline ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&milestones).Error; err != nil {
		return nil, err
	}
	return milestones, nil
}
