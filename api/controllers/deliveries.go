package controllers

import (
	"net/http"

	"github.com/freeflowlabs/escrow-backend/api/responses"
	"github.com/freeflowlabs/escrow-backend/api/validators"
	"github.com/freeflowlabs/escrow-backend/internal/deliveries"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

type registerDeliveryRequest struct {
	MilestoneID *string `json:"milestone_id,omitempty" validate:"omitempty,uuid4"`
}

func RegisterDelivery(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "delivery service unavailable"))
			return
		}

		actorID, _, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		escrowID, err := pathUUID(r, "escrowId", "escrow id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload registerDeliveryRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		milestoneID, err := parseOptionalUUID(payload.MilestoneID, "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		delivery, err := svc.Register(r.Context(), deliveries.RegisterInput{
			EscrowID:     escrowID,
			MilestoneID:  milestoneID,
			RegisteredBy: actorID,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, delivery)
	}
}

// CheckDeliveryAccess answers whether the requester may open a deliverable
// right now. The decision is computed from escrow state on every call.
func CheckDeliveryAccess(svc deliveries.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "delivery service unavailable"))
			return
		}

		actorID, _, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		deliveryID, err := pathUUID(r, "deliveryId", "delivery id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		decision, err := svc.CheckAccess(r.Context(), actorID, deliveryID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, decision)
	}
}
