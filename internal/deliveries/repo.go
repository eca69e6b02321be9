package deliveries

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
)

// Repository persists delivery registrations. Lock state is never stored
// here; the gate derives it from escrow state on every check.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, delivery *models.FileDelivery) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.FileDelivery, error)
	ListByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]models.FileDelivery, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a delivery repository bound to the database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, delivery *models.FileDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(delivery).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.FileDelivery, error) {
	var delivery models.FileDelivery
	if err := r.db.WithContext(ctx).First(&delivery, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *repository) ListByEscrowID(ctx context.Context, escrowID uuid.UUID) ([]models.FileDelivery, error) {
	var deliveries []models.FileDelivery
	if err := r.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at ASC").
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}
