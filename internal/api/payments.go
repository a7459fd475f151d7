package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/payment"
)

func createBookingHandler(svc *payment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}

		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := svc.CreateAppointmentWithPaymentValidation(r.Context(), payment.BookingInput{
			PatientID:       uuid.MustParse(req.PatientID),
			DoctorID:        uuid.MustParse(req.DoctorID),
			ScheduledAt:     req.ScheduledAt,
			DurationMinutes: req.DurationMinutes,
			Type:            appointment.Type(req.Type),
			Notes:           req.Notes,
			Actor:           actor,
		})
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, res)
	}
}

func getPaymentLinkHandler(svc *payment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireActor(w, r); !ok {
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}

		link, err := svc.GetPaymentLink(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		reminders, err := svc.ListReminders(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, PaymentLinkResponse{PaymentLink: link, Reminders: reminders})
	}
}

// payByTokenHandler serves the page behind a payment URL. The token is the
// credential, so no identity headers are needed.
func payByTokenHandler(svc *payment.Service, log *zap.Logger, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		link, err := svc.GetPaymentLinkByToken(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, PublicPaymentLinkResponse{
			ID:            link.ID,
			AppointmentID: link.AppointmentID,
			Amount:        link.Amount,
			Currency:      link.Currency,
			Status:        link.Status,
			ExpiresAt:     link.ExpiresAt,
			Expired:       link.Status == payment.LinkExpired || (link.Status == payment.LinkPending && link.Expired(now())),
		})
	}
}

// validatePaymentHandler records a payment taken by staff, for example at
// the front desk. Patients pay through their token.
func validatePaymentHandler(svc *payment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		if actor.Role != appointment.RoleAdmin && !actor.Role.IsStaff() {
			writeError(w, http.StatusForbidden, "forbidden", "only staff can validate a payment by link id")
			return
		}
		id, ok := pathID(w, r, "id")
		if !ok {
			return
		}
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}

		validatePayment(w, r, svc, log, payment.ValidateInput{
			LinkID:     id,
			Amount:     req.Amount,
			PaymentRef: req.PaymentRef,
			Actor:      actor,
		})
	}
}

// payWithTokenHandler completes a payment from the public payment page. The
// token is the credential and the patient on the link is the actor.
func payWithTokenHandler(svc *payment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodePayment(w, r)
		if !ok {
			return
		}
		link, err := svc.GetPaymentLinkByToken(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		validatePayment(w, r, svc, log, payment.ValidateInput{
			LinkID:     link.ID,
			Amount:     req.Amount,
			PaymentRef: req.PaymentRef,
			Actor:      appointment.Actor{ID: link.PatientID, Role: appointment.RolePatient},
		})
	}
}

func decodePayment(w http.ResponseWriter, r *http.Request) (ValidatePaymentRequest, bool) {
	var req ValidatePaymentRequest
	if !decodeBody(w, r, &req) {
		return req, false
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "validation_failed", "amount must be positive")
		return req, false
	}
	return req, true
}

func validatePayment(w http.ResponseWriter, r *http.Request, svc *payment.Service, log *zap.Logger, in payment.ValidateInput) {
	res, err := svc.ValidatePaymentAndConfirmAppointment(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
