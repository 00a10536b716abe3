package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/middleware"
	"github.com/samhotchkiss/threadmask/internal/webhook"
	"github.com/samhotchkiss/threadmask/internal/ws"
)

// RouterDeps collects everything the HTTP surface is built from. Webhook and
// WebSocket are optional; their routes are omitted when nil.
type RouterDeps struct {
	Service        Messaging
	Auth           *middleware.Auth
	Webhook        *webhook.Handler
	WebhookGuard   *webhook.Middleware
	WebSocket      *ws.Handler
	DB             Pinger
	AllowedOrigins []string
	Log            *logger.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			middleware.HeaderOrgID, middleware.HeaderRole, middleware.HeaderActorID, middleware.HeaderStaffID,
		},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(deps.DB))

	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}

	h := &Handler{Service: deps.Service, Log: deps.Log}
	r.Route("/api", func(r chi.Router) {
		if deps.Webhook != nil {
			r.Route("/webhooks/provider", func(r chi.Router) {
				if deps.WebhookGuard != nil {
					r.Use(deps.WebhookGuard.Handler)
				}
				r.Post("/inbound", deps.Webhook.Inbound)
				r.Post("/status", deps.Webhook.Status)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.SetHeader("Content-Type", "application/json"))
			r.Use(deps.Auth.RequireActor)

			r.Get("/metrics", h.handleMetrics)

			r.Post("/threads/{id}/messages", h.SendMessage)
			r.Get("/threads/{id}/routing", h.GetRouting)
			r.Get("/staff/threads/{id}", h.GetStaffThread)

			r.Get("/windows", h.ListWindows)
			r.Get("/windows/conflicts", h.ListConflicts)
			r.Post("/windows/conflicts/resolve", h.ResolveConflict)

			r.Get("/violations", h.ListViolations)
			r.Post("/violations/{id}/override", h.OverrideViolation)
			r.Post("/violations/{id}/resolve", h.ResolveViolation)
			r.Post("/violations/{id}/dismiss", h.DismissViolation)

			r.Put("/lifecycle/bookings/{id}", h.SyncBooking)
			r.Post("/lifecycle/bookings/{id}/staff-assigned", h.StaffAssigned)
			r.Post("/lifecycle/bookings/{id}/staff-unassigned", h.StaffUnassigned)
			r.Post("/lifecycle/bookings/{id}/times-changed", h.TimesChanged)
			r.Post("/lifecycle/bookings/{id}/closed", h.BookingClosed)
			r.Post("/lifecycle/staff/{id}/offboarded", h.StaffOffboarded)
		})
	})

	return r
}
