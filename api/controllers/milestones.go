package controllers

import (
	"net/http"

	"github.com/freeflowlabs/escrow-backend/api/responses"
	"github.com/freeflowlabs/escrow-backend/api/validators"
	"github.com/freeflowlabs/escrow-backend/internal/milestones"
	"github.com/freeflowlabs/escrow-backend/internal/release"
	pkgerrors "github.com/freeflowlabs/escrow-backend/pkg/errors"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
)

func SubmitMilestone(svc milestones.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "milestone service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		milestoneID, err := pathUUID(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		milestone, err := svc.Submit(r.Context(), milestones.SubmitInput{
			MilestoneID: milestoneID,
			ActorUserID: actorID,
			ActorRole:   role,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, milestone)
	}
}

type approveMilestoneRequest struct {
	Note *string `json:"note,omitempty" validate:"omitempty,max=2000"`
}

func ApproveMilestone(svc milestones.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "milestone service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		milestoneID, err := pathUUID(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload approveMilestoneRequest
		if r.ContentLength > 0 {
			if err := validators.DecodeJSONBody(r, &payload); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}

		milestone, err := svc.Approve(r.Context(), milestones.ApproveInput{
			MilestoneID: milestoneID,
			ActorUserID: actorID,
			ActorRole:   role,
			Note:        payload.Note,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, milestone)
	}
}

type rejectMilestoneRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

func RejectMilestone(svc milestones.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "milestone service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		milestoneID, err := pathUUID(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload rejectMilestoneRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		milestone, err := svc.Reject(r.Context(), milestones.RejectInput{
			MilestoneID: milestoneID,
			ActorUserID: actorID,
			ActorRole:   role,
			Reason:      payload.Reason,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, milestone)
	}
}

// AuthorizeRelease asks the release policy engine to pay out one milestone.
func AuthorizeRelease(svc release.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "release service unavailable"))
			return
		}

		actorID, role, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		milestoneID, err := pathUUID(r, "milestoneId", "milestone id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Authorize(r.Context(), release.AuthorizeInput{
			MilestoneID: milestoneID,
			RequestedBy: actorID,
			ActorRole:   role,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
