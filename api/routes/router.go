package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/freeflowlabs/escrow-backend/api/controllers"
	webhookcontrollers "github.com/freeflowlabs/escrow-backend/api/controllers/webhooks"
	"github.com/freeflowlabs/escrow-backend/api/middleware"
	"github.com/freeflowlabs/escrow-backend/internal/deliveries"
	"github.com/freeflowlabs/escrow-backend/internal/disputes"
	"github.com/freeflowlabs/escrow-backend/internal/escrow"
	"github.com/freeflowlabs/escrow-backend/internal/milestones"
	"github.com/freeflowlabs/escrow-backend/internal/release"
	"github.com/freeflowlabs/escrow-backend/pkg/config"
	"github.com/freeflowlabs/escrow-backend/pkg/db"
	"github.com/freeflowlabs/escrow-backend/pkg/logger"
	"github.com/freeflowlabs/escrow-backend/pkg/redis"
	"github.com/freeflowlabs/escrow-backend/pkg/square"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	escrowService escrow.Service,
	milestoneService milestones.Service,
	releaseService release.Service,
	disputeService disputes.Service,
	deliveryService deliveries.Service,
	depositWebhookService webhookcontrollers.SquareDepositService,
	squareClient *square.Client,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/square", webhookcontrollers.SquareWebhook(depositWebhookService, squareClient, logg))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/escrows", func(r chi.Router) {
			r.Post("/", controllers.CreateEscrow(escrowService, logg))
			r.Get("/{escrowId}", controllers.GetEscrow(escrowService, logg))
			r.Post("/{escrowId}/cancel", controllers.CancelEscrow(escrowService, logg))
			r.Post("/{escrowId}/disputes", controllers.OpenDispute(disputeService, logg))
			r.Post("/{escrowId}/deliveries", controllers.RegisterDelivery(deliveryService, logg))
		})

		r.Route("/milestones/{milestoneId}", func(r chi.Router) {
			r.Post("/submit", controllers.SubmitMilestone(milestoneService, logg))
			r.Post("/approve", controllers.ApproveMilestone(milestoneService, logg))
			r.Post("/reject", controllers.RejectMilestone(milestoneService, logg))
			r.Post("/release", controllers.AuthorizeRelease(releaseService, logg))
		})

		r.Route("/disputes", func(r chi.Router) {
			r.Get("/{disputeId}", controllers.GetDispute(disputeService, logg))
			r.With(middleware.RequireRole("arbiter", logg)).
				Post("/{disputeId}/resolve", controllers.ResolveDispute(disputeService, logg))
		})

		r.Get("/deliveries/{deliveryId}/access", controllers.CheckDeliveryAccess(deliveryService, logg))
	})

	return r
}
