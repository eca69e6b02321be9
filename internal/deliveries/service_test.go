package deliveries

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
)

func setupDeliveriesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	schema := `
CREATE TABLE IF NOT EXISTS escrow_transactions (
  id TEXT PRIMARY KEY,
  buyer_id TEXT NOT NULL,
  seller_id TEXT NOT NULL,
  project_title TEXT NOT NULL,
  total_amount INTEGER NOT NULL,
  currency TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  version INTEGER NOT NULL DEFAULT 1,
  objection_secs INTEGER NOT NULL,
  split_percent INTEGER NOT NULL DEFAULT 50,
  created_at DATETIME,
  updated_at DATETIME,
  terminal_at DATETIME
);
CREATE TABLE IF NOT EXISTS escrow_milestones (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  order_index INTEGER NOT NULL,
  title TEXT NOT NULL,
  description TEXT,
  amount INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  objection_deadline DATETIME,
  rejection_reason TEXT,
  approval_note TEXT,
  paid_at DATETIME,
  created_at DATETIME,
  updated_at DATETIME,
  UNIQUE (escrow_id, order_index)
);
CREATE TABLE IF NOT EXISTS file_deliveries (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  milestone_id TEXT,
  registered_by TEXT NOT NULL,
  created_at DATETIME
);
`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

func setupGate(t *testing.T) (Service, escrow.Repository) {
	t.Helper()

	db := setupDeliveriesTestDB(t)
	escrows := escrow.NewRepository(db)
	svc, err := NewService(NewRepository(db), escrows)
	require.NoError(t, err)
	return svc, escrows
}

func seedEscrow(t *testing.T, escrows escrow.Repository, status enums.EscrowStatus, milestoneStatus enums.MilestoneStatus) *models.EscrowTransaction {
	t.Helper()

	txn := &models.EscrowTransaction{
		BuyerID:       uuid.New(),
		SellerID:      uuid.New(),
		ProjectTitle:  "Video edit",
		TotalAmount:   50000,
		Currency:      enums.CurrencyUSD,
		Status:        status,
		Version:       1,
		ObjectionSecs: int64((7 * 24 * time.Hour) / time.Second),
		SplitPercent:  50,
		Milestones: []models.EscrowMilestone{
			{OrderIndex: 0, Title: "Final cut", Amount: 50000, Status: milestoneStatus},
		},
	}
	require.NoError(t, escrows.CreateTransaction(context.Background(), txn))
	return txn
}

func TestRegister_PartyOnly(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	txn := seedEscrow(t, escrows, enums.EscrowStatusActive, enums.MilestoneStatusSubmitted)

	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		MilestoneID:  &txn.Milestones[0].ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, delivery.ID)

	_, err = svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		RegisteredBy: uuid.New(),
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnauthorizedActor))

	foreign := uuid.New()
	_, err = svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		MilestoneID:  &foreign,
		RegisteredBy: txn.SellerID,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestCheckAccess_DeniedBeforePayment(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	txn := seedEscrow(t, escrows, enums.EscrowStatusActive, enums.MilestoneStatusSubmitted)
	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		MilestoneID:  &txn.Milestones[0].ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)

	decision, err := svc.CheckAccess(ctx, txn.BuyerID, delivery.ID)
	require.NoError(t, err)
	require.False(t, decision.Granted())
	require.Equal(t, pkgerrors.CodePaymentNotConfirmed, decision.Reason)
}

func TestCheckAccess_GrantedWhenMilestonePaid(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	txn := seedEscrow(t, escrows, enums.EscrowStatusActive, enums.MilestoneStatusPaid)
	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		MilestoneID:  &txn.Milestones[0].ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)

	for _, userID := range []uuid.UUID{txn.BuyerID, txn.SellerID} {
		decision, err := svc.CheckAccess(ctx, userID, delivery.ID)
		require.NoError(t, err)
		require.True(t, decision.Granted())
		require.Equal(t, enums.AccessStateUnlocked, decision.State)
	}
}

func TestCheckAccess_GrantedWhenEscrowReleased(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	// An escrow-wide delivery unlocks only once the whole escrow releases.
	txn := seedEscrow(t, escrows, enums.EscrowStatusReleased, enums.MilestoneStatusPaid)
	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)

	decision, err := svc.CheckAccess(ctx, txn.BuyerID, delivery.ID)
	require.NoError(t, err)
	require.True(t, decision.Granted())
}

func TestCheckAccess_RevokedByDispute(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	txn := seedEscrow(t, escrows, enums.EscrowStatusActive, enums.MilestoneStatusPaid)
	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		MilestoneID:  &txn.Milestones[0].ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)

	decision, err := svc.CheckAccess(ctx, txn.BuyerID, delivery.ID)
	require.NoError(t, err)
	require.True(t, decision.Granted())

	// A dispute opened after the grant revokes access on the next check.
	require.NoError(t, escrows.UpdateTransactionStatus(ctx, txn.ID, 1, enums.EscrowStatusDisputed, nil))

	decision, err = svc.CheckAccess(ctx, txn.BuyerID, delivery.ID)
	require.NoError(t, err)
	require.False(t, decision.Granted())
	require.Equal(t, pkgerrors.CodeAccessRevoked, decision.Reason)
}

func TestCheckAccess_StrangerDenied(t *testing.T) {
	svc, escrows := setupGate(t)
	ctx := context.Background()

	txn := seedEscrow(t, escrows, enums.EscrowStatusReleased, enums.MilestoneStatusPaid)
	delivery, err := svc.Register(ctx, RegisterInput{
		EscrowID:     txn.ID,
		RegisteredBy: txn.SellerID,
	})
	require.NoError(t, err)

	_, err = svc.CheckAccess(ctx, uuid.New(), delivery.ID)
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnauthorizedActor))
}
