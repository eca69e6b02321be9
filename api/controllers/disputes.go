package controllers

import (
	"net/http"
	"strings"

	"github.com/freeflowlabs/escrow-backend/api/responses"
	"github.com/freeflowlabs/escrow-backend/api/validators"
	"github.com/freeflowlabs/escrow-backend/internal/disputes"
	"github.com/freeflowlabs/escrow-backend/pkg/enums"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

type openDisputeRequest struct {
	MilestoneID *string `json:"milestone_id,omitempty" validate:"omitempty,uuid4"`
	Reason      string  `json:"reason" validate:"required,max=2000"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=10000"`
}

func OpenDispute(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
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

		var payload openDisputeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		milestoneID, err := parseOptionalUUID(payload.MilestoneID, "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		caseRow, err := svc.Open(r.Context(), disputes.OpenInput{
			EscrowID:    escrowID,
			MilestoneID: milestoneID,
			RaisedBy:    actorID,
			Reason:      payload.Reason,
			Description: payload.Description,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, caseRow)
	}
}

type resolveDisputeRequest struct {
	Resolution   string  `json:"resolution" validate:"required"`
	SplitPercent *int    `json:"split_percent,omitempty" validate:"omitempty,min=0,max=100"`
	Note         *string `json:"note,omitempty" validate:"omitempty,max=10000"`
}

// ResolveDispute records the arbiter's ruling and disburses the remaining
// escrowed funds.
func ResolveDispute(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		caseID, err := pathUUID(r, "disputeId", "dispute id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload resolveDisputeRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resolution, err := enums.ParseDisputeResolution(strings.TrimSpace(payload.Resolution))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid resolution"))
			return
		}

		result, err := svc.Resolve(r.Context(), disputes.ResolveInput{
			CaseID:       caseID,
			ResolvedBy:   actorID,
			ActorRole:    role,
			Resolution:   resolution,
			SplitPercent: payload.SplitPercent,
			Note:         payload.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func GetDispute(svc disputes.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dispute service unavailable"))
			return
		}

		if _, _, err := actor(r); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		caseID, err := pathUUID(r, "disputeId", "dispute id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		caseRow, err := svc.Get(r.Context(), caseID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, caseRow)
	}
}
