// Package api exposes the HTTP surface: event submission, status
// lookup and rule inspection.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/ingest"
	"github.com/lily-data/metapipe/rules"
	"github.com/lily-data/metapipe/status"
)

// Handlers wires the ingestion coordinator, status tracker and rule
// resolver into HTTP endpoints.
type Handlers struct {
	coordinator *ingest.Coordinator
	tracker     *status.Tracker
	resolver    *rules.Resolver
}

func NewHandlers(coordinator *ingest.Coordinator, tracker *status.Tracker, resolver *rules.Resolver) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		tracker:     tracker,
		resolver:    resolver,
	}
}

// handleProcess accepts one event for asynchronous processing.
// Responds 202 immediately; the caller polls the status endpoint.
func (h *Handlers) handleProcess(w http.ResponseWriter, r *http.Request) {
	var event common.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if _, err := h.coordinator.Ingest(event); err != nil {
		if common.IsValidation(err) {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"eventId": event.EventID,
		"status":  status.StatePending,
	})
}

// handleProcessBatch accepts an ordered sequence of events from one
// source as a single processing unit.
func (h *Handlers) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	var events []common.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(events) == 0 {
		writeErrorResponse(w, http.StatusBadRequest, "batch is empty")
		return
	}

	if _, err := h.coordinator.IngestBatch(events); err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]any{
		"accepted": len(events),
		"status":   status.StatePending,
	})
}

// handleStatus reports the current status of an event. Unknown IDs get
// a 404, never an error page.
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")

	st, ok := h.tracker.Get(eventID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "no status for event: "+eventID)
		return
	}

	writeJSONResponse(w, http.StatusOK, st)
}

func (h *Handlers) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

// handleRule returns the fully resolved rule for a tenant and source.
// Callers may only read rules belonging to their own tenant.
func (h *Handlers) handleRule(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	sourceID := chi.URLParam(r, "sourceId")

	caller := r.Header.Get("X-Tenant-ID")
	if err := rules.ValidateAccess(caller, tenantID); err != nil {
		if errors.Is(err, common.ErrAccessDenied) {
			writeErrorResponse(w, http.StatusForbidden, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := h.resolver.Resolve(r.Context(), tenantID, sourceID)
	writeJSONResponse(w, http.StatusOK, rule)
}

// writeJSONResponse writes a JSON response with the given status
func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
