package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	sq "github.com/square/square-go-sdk"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db/models"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/outbox"
	"github.com/freeflowlabs/escrow-backend/pkg/square"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(tx)
	})
}

type fakeOutbox struct {
	events []outbox.DomainEvent
}

func (f *fakeOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeOutbox) hasEvent(eventType enums.OutboxEventType) bool {
	for _, event := range f.events {
		if event.EventType == eventType {
			return true
		}
	}
	return false
}

type fakeGateway struct {
	refunds []square.RefundCreateParams
	err     error
}

func (f *fakeGateway) RefundPayment(ctx context.Context, params square.RefundCreateParams) (*sq.PaymentRefund, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.refunds = append(f.refunds, params)
	status := "COMPLETED"
	return &sq.PaymentRefund{ID: "rf-" + params.IdempotencyKey, Status: &status}, nil
}

func setupDisputesTestDB(t *testing.T) *gorm.DB {
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
CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  milestone_id TEXT,
  type TEXT NOT NULL,
  amount INTEGER NOT NULL,
  currency TEXT NOT NULL,
  provider_event_id TEXT,
  idempotency_key TEXT,
  reason TEXT,
  created_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_provider_event
  ON ledger_entries (provider_event_id) WHERE provider_event_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_entries_idempotency_key
  ON ledger_entries (idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS dispute_cases (
  id TEXT PRIMARY KEY,
  escrow_id TEXT NOT NULL,
  milestone_id TEXT,
  raised_by TEXT NOT NULL,
  reason TEXT NOT NULL,
  description TEXT,
  resolution TEXT NOT NULL DEFAULT 'unresolved',
  split_percent INTEGER,
  resolution_note TEXT,
  opened_at DATETIME,
  closed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_dispute_cases_open_per_escrow
  ON dispute_cases (escrow_id) WHERE closed_at IS NULL;
`
	require.NoError(t, db.Exec(schema).Error)
	return db
}

type disputeFixture struct {
	svc     Service
	repo    Repository
	escrows escrow.Repository
	ledger  ledger.Service
	gateway *fakeGateway
	sink    *fakeOutbox
}

func setupService(t *testing.T) *disputeFixture {
	t.Helper()

	db := setupDisputesTestDB(t)
	repo := NewRepository(db)
	escrows := escrow.NewRepository(db)
	gateway := &fakeGateway{}
	sink := &fakeOutbox{}

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db))
	require.NoError(t, err)

	svc, err := NewService(repo, escrows, ledgerSvc, gateway, &testTxRunner{db: db}, sink, config.EscrowConfig{
		ObjectionWindow:     7 * 24 * time.Hour,
		DefaultSplitPercent: 50,
		MaxWriteRetries:     3,
	})
	require.NoError(t, err)

	return &disputeFixture{
		svc:     svc,
		repo:    repo,
		escrows: escrows,
		ledger:  ledgerSvc,
		gateway: gateway,
		sink:    sink,
	}
}

func seedActiveEscrow(t *testing.T, f *disputeFixture, deposit int64) *models.EscrowTransaction {
	t.Helper()
	ctx := context.Background()

	txn := &models.EscrowTransaction{
		BuyerID:       uuid.New(),
		SellerID:      uuid.New(),
		ProjectTitle:  "Brand identity",
		TotalAmount:   deposit,
		Currency:      enums.CurrencyUSD,
		Status:        enums.EscrowStatusActive,
		Version:       1,
		ObjectionSecs: int64((7 * 24 * time.Hour) / time.Second),
		SplitPercent:  50,
		Milestones: []models.EscrowMilestone{
			{OrderIndex: 0, Title: "Logo", Amount: deposit, Status: enums.MilestoneStatusSubmitted},
		},
	}
	require.NoError(t, f.escrows.CreateTransaction(ctx, txn))

	_, err := f.ledger.RecordDeposit(ctx, ledger.RecordDepositInput{
		EscrowID:        txn.ID,
		Amount:          deposit,
		Currency:        enums.CurrencyUSD,
		ProviderEventID: "pay-" + txn.ID.String(),
	})
	require.NoError(t, err)
	return txn
}

func TestOpen_FreezesEscrow(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase, err := f.svc.Open(ctx, OpenInput{
		EscrowID: txn.ID,
		RaisedBy: txn.BuyerID,
		Reason:   "deliverable does not match the brief",
	})
	require.NoError(t, err)
	require.True(t, disputeCase.IsOpen())
	require.True(t, f.sink.hasEvent(enums.OutboxEventTypeDisputeOpened))

	found, err := f.escrows.FindTransaction(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, enums.EscrowStatusDisputed, found.Status)
	require.Equal(t, int64(2), found.Version)

	frozen, err := f.svc.HasOpenDispute(ctx, txn.ID, uuid.Nil)
	require.NoError(t, err)
	require.True(t, frozen)
}

func TestOpen_SecondCaseRejected(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	_, err := f.svc.Open(ctx, OpenInput{
		EscrowID: txn.ID,
		RaisedBy: txn.BuyerID,
		Reason:   "quality issue",
	})
	require.NoError(t, err)

	// The escrow is already disputed, so the transition guard fires before
	// the storage-level unique index ever has to.
	_, err = f.svc.Open(ctx, OpenInput{
		EscrowID: txn.ID,
		RaisedBy: txn.SellerID,
		Reason:   "counter claim",
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition))
}

func TestOpen_StrangerDenied(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	_, err := f.svc.Open(ctx, OpenInput{
		EscrowID: txn.ID,
		RaisedBy: uuid.New(),
		Reason:   "not my contract",
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnauthorizedActor))
}

func TestOpen_PaidMilestoneRejected(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	milestone := txn.Milestones[0]
	milestone.Status = enums.MilestoneStatusPaid
	require.NoError(t, f.escrows.UpdateMilestone(ctx, &milestone))

	_, err := f.svc.Open(ctx, OpenInput{
		EscrowID:    txn.ID,
		MilestoneID: &milestone.ID,
		RaisedBy:    txn.BuyerID,
		Reason:      "too late",
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition))
}

func openCase(t *testing.T, f *disputeFixture, txn *models.EscrowTransaction) *models.DisputeCase {
	t.Helper()
	disputeCase, err := f.svc.Open(context.Background(), OpenInput{
		EscrowID: txn.ID,
		RaisedBy: txn.BuyerID,
		Reason:   "deliverable dispute",
	})
	require.NoError(t, err)
	return disputeCase
}

func TestResolve_BuyerFavorRefundsEverything(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase := openCase(t, f, txn)

	arbiter := uuid.New()
	result, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: arbiter,
		ActorRole:  enums.ActorRoleArbiter,
		Resolution: enums.DisputeResolutionBuyerFavor,
	})
	require.NoError(t, err)
	require.Equal(t, int64(100000), result.BuyerShare)
	require.Equal(t, int64(0), result.SellerShare)
	require.Equal(t, enums.EscrowStatusRefunded, result.Transaction.Status)
	require.NotNil(t, result.Transaction.TerminalAt)
	require.NotNil(t, result.Case.ClosedAt)
	require.True(t, f.sink.hasEvent(enums.OutboxEventTypeDisputeResolved))

	// The provider refund targets the original deposit payment.
	require.Len(t, f.gateway.refunds, 1)
	require.Equal(t, "pay-"+txn.ID.String(), f.gateway.refunds[0].PaymentID)
	require.Equal(t, int64(100000), f.gateway.refunds[0].AmountCents)

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), balance.Refunded)
	require.Equal(t, int64(0), balance.Escrowed)
}

func TestResolve_SellerFavorReleasesEverything(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase := openCase(t, f, txn)

	result, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: uuid.New(),
		ActorRole:  enums.ActorRoleArbiter,
		Resolution: enums.DisputeResolutionSellerFavor,
	})
	require.NoError(t, err)
	require.Equal(t, int64(100000), result.SellerShare)
	require.Equal(t, int64(0), result.BuyerShare)
	require.Equal(t, enums.EscrowStatusReleased, result.Transaction.Status)
	require.Empty(t, f.gateway.refunds)

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), balance.Released)
	require.Equal(t, int64(0), balance.Escrowed)
}

func TestResolve_SplitDisbursesBothWays(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	// 100001 at 50 percent forces a rounding remainder; the buyer gets it.
	txn := seedActiveEscrow(t, f, 100001)
	disputeCase := openCase(t, f, txn)

	percent := 50
	result, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:       disputeCase.ID,
		ResolvedBy:   uuid.New(),
		ActorRole:    enums.ActorRoleArbiter,
		Resolution:   enums.DisputeResolutionSplit,
		SplitPercent: &percent,
	})
	require.NoError(t, err)
	require.Equal(t, int64(50000), result.SellerShare)
	require.Equal(t, int64(50001), result.BuyerShare)
	require.Equal(t, enums.EscrowStatusReleased, result.Transaction.Status)
	require.Len(t, f.gateway.refunds, 1)

	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50000), balance.Released)
	require.Equal(t, int64(50001), balance.Refunded)
	require.Equal(t, int64(0), balance.Escrowed)
}

func TestResolve_RequiresArbiter(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase := openCase(t, f, txn)

	_, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: txn.BuyerID,
		ActorRole:  enums.ActorRoleBuyer,
		Resolution: enums.DisputeResolutionBuyerFavor,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeUnauthorizedActor))
}

func TestResolve_ClosedCaseRejected(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase := openCase(t, f, txn)

	_, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: uuid.New(),
		ActorRole:  enums.ActorRoleArbiter,
		Resolution: enums.DisputeResolutionSellerFavor,
	})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: uuid.New(),
		ActorRole:  enums.ActorRoleArbiter,
		Resolution: enums.DisputeResolutionBuyerFavor,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidTransition))
}

func TestResolve_GatewayFailureRollsBack(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	txn := seedActiveEscrow(t, f, 100000)
	disputeCase := openCase(t, f, txn)
	f.gateway.err = pkgerrors.New(pkgerrors.CodeDependency, "square refund failed")

	_, err := f.svc.Resolve(ctx, ResolveInput{
		CaseID:     disputeCase.ID,
		ResolvedBy: uuid.New(),
		ActorRole:  enums.ActorRoleArbiter,
		Resolution: enums.DisputeResolutionBuyerFavor,
	})
	require.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))

	// Nothing moved in the ledger and the case stays open.
	balance, err := f.ledger.Balance(ctx, txn.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Refunded)

	found, err := f.svc.Get(ctx, disputeCase.ID)
	require.NoError(t, err)
	require.True(t, found.IsOpen())
}
