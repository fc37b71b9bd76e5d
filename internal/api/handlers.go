package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// eventsResponse is the result of POST /events.
type eventsResponse struct {
	EventID string                `json:"event_id,omitempty"`
	Actions []models.OutputAction `json:"actions"`
}

// flowSummary describes a loaded flow for GET /flows.
type flowSummary struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Active      bool     `json:"active"`
	Keywords    []string `json:"trigger_keywords,omitempty"`
	Steps       int      `json:"steps"`
}

// paymentCallback is the body a payment provider posts on completion.
type paymentCallback struct {
	Reference string               `json:"reference"`
	Status    models.PaymentStatus `json:"status"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"flows": len(s.registry.Names()),
		"time":  time.Now().UTC(),
	}))
}

// eventsHandler handles POST /events.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("eventsHandler invoked", "method", r.Method, "path", r.URL.Path)
	var ev models.InboundEvent
	if err := decodeJSONBody(w, r, &ev); err != nil {
		slog.Warn("eventsHandler: bad body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if ev.IsInternal() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("internal event kinds cannot be submitted"))
		return
	}
	if err := models.Validate(ev); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if ev.ID != "" {
		dup, err := s.st.IsDuplicate(r.Context(), ev.ID)
		if err != nil {
			slog.Error("eventsHandler: duplicate check failed", "event", ev.ID, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to check event"))
			return
		}
		if dup {
			slog.Info("eventsHandler: duplicate event", "event", ev.ID)
			writeJSONResponse(w, http.StatusOK, models.Duplicate())
			return
		}
	}

	actions, err := s.processor.Process(r.Context(), ev)
	if err != nil {
		slog.Error("eventsHandler: processing failed", "contact", ev.ContactID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to process event"))
		return
	}
	if actions == nil {
		actions = []models.OutputAction{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(eventsResponse{EventID: ev.ID, Actions: actions}))
}

// getContactHandler handles GET /contacts/{id}.
func (s *Server) getContactHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	contact, err := s.st.GetContact(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("contact not found"))
		return
	}
	if err != nil {
		slog.Error("getContactHandler: lookup failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load contact"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(contact))
}

// getStateHandler handles GET /contacts/{id}/state.
func (s *Server) getStateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.st.GetState(r.Context(), id)
	if err != nil {
		slog.Error("getStateHandler: lookup failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load state"))
		return
	}
	if state == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("contact has no active conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

// deleteStateHandler handles DELETE /contacts/{id}/state, resetting the
// contact to idle.
func (s *Server) deleteStateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.st.DeleteState(r.Context(), id); err != nil {
		slog.Error("deleteStateHandler: delete failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to reset conversation"))
		return
	}
	slog.Info("deleteStateHandler: conversation reset", "contactID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation reset", nil))
}

// listInterventionsHandler handles GET /interventions.
func (s *Server) listInterventionsHandler(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.st.ListContactsNeedingIntervention(r.Context())
	if err != nil {
		slog.Error("listInterventionsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list interventions"))
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(contacts))
}

// resolveInterventionHandler handles POST /interventions/{id}/resolve.
func (s *Server) resolveInterventionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.st.GetContact(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("contact not found"))
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load contact"))
		return
	}
	err := s.st.WithContactTx(r.Context(), id, func(tx store.ContactTx) error {
		return tx.SetIntervention(r.Context(), false, nil)
	})
	if err != nil {
		slog.Error("resolveInterventionHandler: update failed", "contactID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to resolve intervention"))
		return
	}
	slog.Info("resolveInterventionHandler: intervention resolved", "contactID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Intervention resolved", nil))
}

// listFlowsHandler handles GET /flows.
func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows := s.registry.All()
	out := make([]flowSummary, 0, len(flows))
	for _, f := range flows {
		out = append(out, flowSummary{
			Name:        f.Name,
			Description: f.Description,
			Active:      f.IsActive,
			Keywords:    f.TriggerKeywords,
			Steps:       len(f.Steps),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// getFlowHandler handles GET /flows/{name}.
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

// reloadFlowsHandler handles POST /flows/reload.
func (s *Server) reloadFlowsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("reloadFlowsHandler invoked", "method", r.Method, "path", r.URL.Path)
	if s.opts.Reload == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("flow reload is not configured"))
		return
	}
	problems, err := s.opts.Reload(r.Context())
	messages := make([]string, 0, len(problems))
	for _, p := range problems {
		messages = append(messages, p.Error())
	}
	if err != nil {
		slog.Error("reloadFlowsHandler: reload failed", "error", err, "problems", len(problems))
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  messages,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flows reloaded", map[string]any{
		"flows":    s.registry.Names(),
		"problems": messages,
	}))
}

// paymentCallbackHandler handles POST /payments/callback.
func (s *Server) paymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("paymentCallbackHandler invoked", "method", r.Method, "path", r.URL.Path)
	if !s.authorizedCallback(r) {
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("unauthorized"))
		return
	}
	var cb paymentCallback
	if err := decodeJSONBody(w, r, &cb); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	cb.Reference = strings.TrimSpace(cb.Reference)
	if cb.Reference == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("reference is required"))
		return
	}
	if cb.Status != models.PaymentCompleted && cb.Status != models.PaymentFailed {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("status must be completed or failed"))
		return
	}

	err := s.processor.HandlePaymentOutcome(r.Context(), cb.Reference, cb.Status)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("payment not found"))
		return
	}
	if err != nil {
		slog.Error("paymentCallbackHandler: outcome failed", "reference", cb.Reference, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to apply payment outcome"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Payment updated", nil))
}

func (s *Server) authorizedCallback(r *http.Request) bool {
	if s.opts.CallbackToken == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.CallbackToken)) == 1
}
