package controllers

import (
	"net/http"
	"time"

	"github.com/freeflowlabs/escrow-backend/api/responses"
	"github.com/freeflowlabs/escrow-backend/api/validators"
	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

type createEscrowRequest struct {
	BuyerID              string                   `json:"buyer_id" validate:"required,uuid4"`
	SellerID             string                   `json:"seller_id" validate:"required,uuid4"`
	ProjectTitle         string                   `json:"project_title" validate:"required,max=200"`
	TotalAmount          int64                    `json:"total_amount" validate:"required,gt=0"`
	Currency             string                   `json:"currency" validate:"required"`
	Milestones           []createMilestoneRequest `json:"milestones" validate:"required,min=1,dive"`
	ObjectionWindowHours *int                     `json:"objection_window_hours,omitempty"`
	SplitPercent         *int                     `json:"split_percent,omitempty"`
}

type createMilestoneRequest struct {
	Title       string  `json:"title" validate:"required,max=200"`
	Description *string `json:"description,omitempty"`
	Amount      int64   `json:"amount" validate:"required,gt=0"`
}

func CreateEscrow(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload createEscrowRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		buyerID, err := parseOptionalUUID(&payload.BuyerID, "buyer id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		sellerID, err := parseOptionalUUID(&payload.SellerID, "seller id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		currency, err := enums.ParseCurrency(payload.Currency)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid currency"))
			return
		}

		input := escrow.CreateTransactionInput{
			BuyerID:      *buyerID,
			SellerID:     *sellerID,
			ProjectTitle: payload.ProjectTitle,
			TotalAmount:  payload.TotalAmount,
			Currency:     currency,
			ActorUserID:  actorID,
			ActorRole:    role,
			SplitPercent: payload.SplitPercent,
		}
		if payload.ObjectionWindowHours != nil {
			window := time.Duration(*payload.ObjectionWindowHours) * time.Hour
			input.ObjectionWindow = &window
		}
		for _, m := range payload.Milestones {
			input.Milestones = append(input.Milestones, escrow.MilestoneInput{
				Title:       m.Title,
				Description: m.Description,
				Amount:      m.Amount,
			})
		}

		txn, err := svc.Create(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, txn)
	}
}

func GetEscrow(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		escrowID, err := pathUUID(r, "escrowId", "escrow id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		view, err := svc.Get(r.Context(), escrow.GetTransactionInput{
			EscrowID:    escrowID,
			ActorUserID: actorID,
			ActorRole:   role,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

func CancelEscrow(svc escrow.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "escrow service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		escrowID, err := pathUUID(r, "escrowId", "escrow id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		if err := svc.Cancel(r.Context(), escrow.CancelTransactionInput{
			EscrowID:    escrowID,
			ActorUserID: actorID,
			ActorRole:   role,
		}); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, nil)
	}
}
