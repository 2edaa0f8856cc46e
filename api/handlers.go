/*
handlers.go - HTTP API handlers for the payment posting engine

PURPOSE:
  Exposes the posting engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every money movement to posting.Engine.

ENDPOINTS:
  Payments:
    POST   /api/payments                      Create a posting
    PUT    /api/payments/{id}                 Replace a posting (new id returned)
    DELETE /api/payments/{id}                 Remove a posting
    POST   /api/payments/{id}/auto-apply      Spend the remainder, oldest claim first
    POST   /api/payments/{id}/disbursements   Spend the remainder on explicit lines

  Claims:
    POST   /api/claims/{id}/secondary         Run the secondary claim trigger
    GET    /api/claims/{id}/reconciliation    Read-only accounting check
    GET    /api/claims/{id}/activity          Claim activity trail

  Health:
    GET    /api/health

ERROR HANDLING:
  Errors are returned as JSON with a status chosen by error category:
  - 400: Validation errors, malformed body
  - 404: Payment, line or claim not found
  - 409: Duplicate payment, accounting integrity failure
  - 422: Overpayment, over-disbursement
  - 423: Claim lock not acquired in time (retry)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - posting/errors.go: Error categories
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/warp/posting-engine/posting"
)

// ActivitySource lists a claim's recorded activity.
type ActivitySource interface {
	ClaimActivity(ctx context.Context, claimID posting.ClaimID) ([]posting.ClaimActivity, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine   *posting.Engine
	Activity ActivitySource // nil when the store keeps no trail
	Health   Pinger         // nil skips the store check
	Log      zerolog.Logger

	validate *validator.Validate
	now      func() time.Time
}

// NewHandler creates a new handler.
func NewHandler(engine *posting.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:   engine,
		Log:      log,
		validate: validator.New(),
		now:      time.Now,
	}
}

// =============================================================================
// PAYMENT ENDPOINTS
// =============================================================================

// CreatePayment posts a payment and its line applications.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.decodePosting(w, r)
	if !ok {
		return
	}

	id, err := h.Engine.CreatePosting(r.Context(), cmd)
	if err != nil {
		h.writeEngineError(w, r, "failed to create posting", err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentCreatedDTO{PaymentID: string(id)})
}

// ModifyPayment replaces a posting. The old payment id stops existing.
// PUT /api/payments/{id}
func (h *Handler) ModifyPayment(w http.ResponseWriter, r *http.Request) {
	id := posting.PaymentID(chi.URLParam(r, "id"))
	cmd, ok := h.decodePosting(w, r)
	if !ok {
		return
	}

	newID, err := h.Engine.ModifyPosting(r.Context(), id, cmd)
	if err != nil {
		h.writeEngineError(w, r, "failed to modify posting", err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentCreatedDTO{PaymentID: string(newID)})
}

// DeletePayment reverses every effect of a posting.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := posting.PaymentID(chi.URLParam(r, "id"))

	if err := h.Engine.RemovePosting(r.Context(), id); err != nil {
		h.writeEngineError(w, r, "failed to remove posting", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AutoApply spends the payment's remainder on open lines.
// POST /api/payments/{id}/auto-apply
func (h *Handler) AutoApply(w http.ResponseWriter, r *http.Request) {
	id := posting.PaymentID(chi.URLParam(r, "id"))

	res, err := h.Engine.AutoApply(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "failed to auto-apply payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toApplyResultDTO(res))
}

// Disburse spends the payment's remainder on the listed lines.
// POST /api/payments/{id}/disbursements
func (h *Handler) Disburse(w http.ResponseWriter, r *http.Request) {
	id := posting.PaymentID(chi.URLParam(r, "id"))

	var req DisburseRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Engine.DisburseRemaining(r.Context(), id, req.Disbursals())
	if err != nil {
		h.writeEngineError(w, r, "failed to disburse payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toApplyResultDTO(res))
}

// =============================================================================
// CLAIM ENDPOINTS
// =============================================================================

// EvaluateSecondary runs the secondary claim trigger. The trigger reports
// its outcome instead of failing, so this is always 200.
// POST /api/claims/{id}/secondary
func (h *Handler) EvaluateSecondary(w http.ResponseWriter, r *http.Request) {
	id := posting.ClaimID(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, toTriggerResultDTO(h.Engine.Evaluate(r.Context(), id)))
}

// GetReconciliation verifies a claim without changing it.
// GET /api/claims/{id}/reconciliation
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	id := posting.ClaimID(chi.URLParam(r, "id"))

	report, err := h.Engine.Reconcile(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "failed to reconcile claim", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(report))
}

// GetActivity lists the claim's activity trail.
// GET /api/claims/{id}/activity
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	if h.Activity == nil {
		writeError(w, http.StatusNotImplemented, "claim activity is not recorded by this store", nil)
		return
	}
	id := posting.ClaimID(chi.URLParam(r, "id"))

	acts, err := h.Activity.ClaimActivity(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, "failed to load claim activity", err)
		return
	}
	writeJSON(w, http.StatusOK, toActivityDTOs(acts))
}

// =============================================================================
// HEALTH
// =============================================================================

// GET /api/health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", validationDetails(err))
		return false
	}
	return true
}

func (h *Handler) decodePosting(w http.ResponseWriter, r *http.Request) (posting.PostingCommand, bool) {
	var req PostingRequest
	if !h.decode(w, r, &req) {
		return posting.PostingCommand{}, false
	}
	now := h.now().UTC()
	cmd, err := req.Command(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return posting.PostingCommand{}, false
	}
	return cmd, true
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	switch {
	case posting.IsValidation(err):
		return http.StatusBadRequest
	case posting.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, posting.ErrDuplicatePayment):
		return http.StatusConflict
	case posting.IsBusinessRule(err):
		return http.StatusUnprocessableEntity
	case posting.IsIntegrity(err):
		return http.StatusConflict
	case posting.IsRetryable(err):
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
	}
	writeError(w, status, message, err)
}

// validationDetails flattens validator output into one error.
func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Errorf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.Join(msgs...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
