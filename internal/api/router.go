package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/payment"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Payments     *payment.Service
	Dependencies []Dependency
	Log          *zap.Logger
	CORSOrigins  []string
	RateLimitRPM int
	Env          string
	Version      string
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", headerActorID, headerActorRole},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimitRPM > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))
	}

	// Health endpoints
	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	appts := cfg.Appointments

	// Appointment endpoints
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(appts, log))
		r.Get("/", listAppointmentsHandler(appts, log))
		r.Get("/{id}", getAppointmentHandler(appts, log))
		r.Patch("/{id}", updateAppointmentHandler(appts, log))
		r.Delete("/{id}", cancelAppointmentHandler(appts, log))
		r.Post("/{id}/confirm", transitionHandler(log, func(r *http.Request, id uuid.UUID, actor appointment.Actor) (*appointment.Appointment, error) {
			return appts.ConfirmAppointment(r.Context(), id, actor)
		}))
		r.Post("/{id}/complete", transitionHandler(log, func(r *http.Request, id uuid.UUID, actor appointment.Actor) (*appointment.Appointment, error) {
			return appts.CompleteAppointment(r.Context(), id, actor)
		}))
	})

	// Doctor endpoints
	r.Route("/doctors", func(r chi.Router) {
		r.Get("/", listDoctorsHandler(appts, log))
		r.Get("/{id}", getDoctorHandler(appts, log))
		r.Patch("/{id}", setDoctorActiveHandler(appts, log))
		r.Get("/{id}/slots", availableSlotsHandler(appts, log))
	})

	r.Get("/patients/{id}", getPatientHandler(appts, log))

	// Payment endpoints
	if cfg.Payments != nil {
		r.Post("/bookings", createBookingHandler(cfg.Payments, log))
		r.Get("/payment-links/{id}", getPaymentLinkHandler(cfg.Payments, log))
		r.Post("/payment-links/{id}/validate", validatePaymentHandler(cfg.Payments, log))
		r.Get("/pay/{token}", payByTokenHandler(cfg.Payments, log, now))
		r.Post("/pay/{token}", payWithTokenHandler(cfg.Payments, log))
	}

	// Live subscriptions
	up := newUpgrader(cfg.CORSOrigins)
	r.Get("/ws/appointments", subscribeAppointmentsHandler(appts, up, log))
	r.Get("/ws/doctors", subscribeDoctorsHandler(appts, up, log))

	return r
}
