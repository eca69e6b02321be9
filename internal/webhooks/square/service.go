package squarewebhook

import (
	"context"
	"strings"

	"github.com/google/uuid"
	sq "github.com/square/square-go-sdk"

	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/ledger"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

const paymentStatusCompleted = "COMPLETED"

type paymentGateway interface {
	GetPayment(ctx context.Context, paymentID string) (*sq.Payment, error)
}

type replayGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// ServiceParams configure the deposit webhook service.
type ServiceParams struct {
	Logger  *logger.Logger
	Gateway paymentGateway
	Escrow  escrow.Service
	Ledger  ledger.Service
	Guard   replayGuard
}

// Service turns verified Square payment events into escrow deposits. Square
// is the source of truth: the webhook body is only a hint, the payment is
// re-fetched before any ledger write.
type Service struct {
	logg    *logger.Logger
	gateway paymentGateway
	escrow  escrow.Service
	ledger  ledger.Service
	guard   replayGuard
}

// DepositEvent is the parsed deposit confirmation from Square.
type DepositEvent struct {
	EventID   string
	EscrowID  uuid.UUID
	PaymentID string
}

// DepositOutcome reports the applied deposit. Replay is true when the event
// was already processed and the prior result is returned unchanged.
type DepositOutcome struct {
	Deposit   *escrow.DepositResult
	Replay    bool
	PaymentID string
	EventID   string
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment gateway required")
	}
	if params.Escrow == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "escrow service required")
	}
	if params.Ledger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "ledger service required")
	}
	if params.Guard == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "replay guard required")
	}
	return &Service{
		logg:    params.Logger,
		gateway: params.Gateway,
		escrow:  params.Escrow,
		ledger:  params.Ledger,
		guard:   params.Guard,
	}, nil
}

// HandleDeposit applies a confirmed deposit to its escrow. A replayed event
// returns the previously recorded outcome instead of failing, so Square stops
// redelivering.
func (s *Service) HandleDeposit(ctx context.Context, event DepositEvent) (*DepositOutcome, error) {
	if event.EventID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	if event.EscrowID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "escrow id is required")
	}
	if event.PaymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":   event.EventID,
		"escrow_id":  event.EscrowID,
		"payment_id": event.PaymentID,
	})

	seen, err := s.guard.CheckAndMark(ctx, event.EventID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check webhook replay")
	}
	if seen {
		s.logg.Info(logCtx, "deposit event replayed; returning prior result")
		return s.priorOutcome(ctx, event)
	}

	outcome, err := s.applyDeposit(ctx, event)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeDuplicateEvent) {
			// The Redis mark expired but the ledger already holds the entry.
			s.logg.Info(logCtx, "deposit already recorded; returning prior result")
			return s.priorOutcome(ctx, event)
		}
		// Unmark so Square's retry can reach the handler again.
		if delErr := s.guard.Delete(ctx, event.EventID); delErr != nil {
			s.logg.Error(logCtx, "failed to unmark webhook event", delErr)
		}
		return nil, err
	}
	s.logg.Info(logCtx, "deposit applied")
	return outcome, nil
}

func (s *Service) applyDeposit(ctx context.Context, event DepositEvent) (*DepositOutcome, error) {
	payment, err := s.gateway.GetPayment(ctx, event.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || !strings.EqualFold(stringValue(payment.GetStatus()), paymentStatusCompleted) {
		return nil, pkgerrors.New(pkgerrors.CodePaymentNotConfirmed, "payment is not completed at the provider").
			WithDetails(map[string]any{"status": stringValue(payment.GetStatus())})
	}

	amount, currency, err := paymentMoney(payment)
	if err != nil {
		return nil, err
	}

	result, err := s.escrow.ApplyDeposit(ctx, escrow.ApplyDepositInput{
		EscrowID:        event.EscrowID,
		Amount:          amount,
		Currency:        currency,
		ProviderEventID: event.PaymentID,
	})
	if err != nil {
		return nil, err
	}
	return &DepositOutcome{
		Deposit:   result,
		PaymentID: event.PaymentID,
		EventID:   event.EventID,
	}, nil
}

// priorOutcome rebuilds the response for an already-processed payment from
// the ledger, keyed by the provider payment id.
func (s *Service) priorOutcome(ctx context.Context, event DepositEvent) (*DepositOutcome, error) {
	entry, err := s.ledger.FindByProviderEventID(ctx, event.PaymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load prior deposit entry")
	}
	if entry == nil {
		// Marked but not yet committed: another delivery is in flight.
		return nil, pkgerrors.New(pkgerrors.CodeDuplicateEvent, "deposit event is already being processed")
	}
	balance, err := s.ledger.Balance(ctx, entry.EscrowID)
	if err != nil {
		return nil, err
	}
	return &DepositOutcome{
		Deposit: &escrow.DepositResult{
			Entry:   entry,
			Balance: balance,
		},
		Replay:    true,
		PaymentID: event.PaymentID,
		EventID:   event.EventID,
	}, nil
}

func paymentMoney(payment *sq.Payment) (int64, enums.Currency, error) {
	money := payment.GetAmountMoney()
	if money == nil || money.Amount == nil || *money.Amount <= 0 {
		return 0, "", pkgerrors.New(pkgerrors.CodeValidation, "payment carries no positive amount")
	}
	code := "USD"
	if money.Currency != nil {
		code = string(*money.Currency)
	}
	currency, err := enums.ParseCurrency(code)
	if err != nil {
		return 0, "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unsupported payment currency")
	}
	return *money.Amount, currency, nil
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
