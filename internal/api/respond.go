package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/payment"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeBody parses a JSON body into dst and validates it. On failure the
// error response has been written and false is returned.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}

	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{appointment.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{payment.ErrPaymentLinkNotFound, http.StatusNotFound, "payment_link_not_found"},
	{payment.ErrPaymentRuleNotFound, http.StatusNotFound, "payment_rule_not_found"},
	{appointment.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
	{appointment.ErrVersionConflict, http.StatusConflict, "version_conflict"},
	{appointment.ErrInvalidStatusTransition, http.StatusConflict, "invalid_status_transition"},
	{appointment.ErrAppointmentClosed, http.StatusConflict, "appointment_closed"},
	{appointment.ErrDoctorBusy, http.StatusConflict, "doctor_busy"},
	{appointment.ErrDoctorInactive, http.StatusUnprocessableEntity, "doctor_inactive"},
	{appointment.ErrInvalidAppointment, http.StatusBadRequest, "invalid_appointment"},
	{payment.ErrPaymentAlreadyProcessed, http.StatusConflict, "payment_already_processed"},
	{payment.ErrPaymentLinkNotPending, http.StatusConflict, "payment_link_not_pending"},
	{payment.ErrAppointmentNotPayable, http.StatusConflict, "appointment_not_payable"},
	{payment.ErrPaymentLinkExpired, http.StatusGone, "payment_link_expired"},
	{payment.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{appointment.ErrSubscriptionsDisabled, http.StatusServiceUnavailable, "subscriptions_disabled"},
}

// writeServiceError maps domain errors to a status and a stable code.
// Anything unmapped is logged and reported as an internal error.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}

	log.Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("request_id", GetRequestID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}
