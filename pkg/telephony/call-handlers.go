package telephony

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/birddigital/voice-bridge/pkg/telnyx"
)

// ============================================
// CALL HANDLERS
// HTTP endpoints for call control, lifecycle webhooks and media streaming
// ============================================

const maxRequestBody = 1 << 20

// CallHandlers manages the service's HTTP endpoints
type CallHandlers struct {
	controller *CallController
	bridge     *MediaBridge
	logger     *slog.Logger
	startedAt  time.Time
}

// NewCallHandlers creates a new call handlers instance
func NewCallHandlers(controller *CallController, bridge *MediaBridge, logger *slog.Logger) *CallHandlers {
	return &CallHandlers{
		controller: controller,
		bridge:     bridge,
		logger:     logger.With("component", "call_handlers"),
		startedAt:  time.Now(),
	}
}

type placeCallRequest struct {
	To string `json:"to"`
}

type placeCallResponse struct {
	Success       bool            `json:"success"`
	CallControlID string          `json:"call_control_id,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
	Error         string          `json:"error,omitempty"`
	UpstreamCode  int             `json:"upstream_status,omitempty"`
	UpstreamBody  string          `json:"upstream_body,omitempty"`
}

// ============================================
// OPERATOR ENDPOINT
// ============================================

// HandlePlaceCall starts an outbound call to the number in the request body.
func (h *CallHandlers) HandlePlaceCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req placeCallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, placeCallResponse{Error: "invalid JSON body"})
		return
	}
	if req.To == "" {
		writeJSON(w, http.StatusBadRequest, placeCallResponse{Error: "to is required"})
		return
	}

	call, raw, err := h.controller.PlaceCall(r.Context(), req.To)
	if err != nil {
		h.writePlaceCallError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, placeCallResponse{
		Success:       true,
		CallControlID: call.CallControlID,
		Response:      raw,
	})
}

func (h *CallHandlers) writePlaceCallError(w http.ResponseWriter, err error) {
	var upstream *telnyx.UpstreamRequestError
	switch {
	case errors.Is(err, ErrInvalidDestination):
		writeJSON(w, http.StatusBadRequest, placeCallResponse{Error: err.Error()})
	case errors.As(err, &upstream):
		writeJSON(w, http.StatusBadGateway, placeCallResponse{
			Error:        "failed to create call",
			UpstreamCode: upstream.StatusCode,
			UpstreamBody: upstream.Body,
		})
	case errors.Is(err, telnyx.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, placeCallResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, placeCallResponse{Error: err.Error()})
	}
}

// ============================================
// LIFECYCLE WEBHOOK
// ============================================

// HandleCallWebhook acknowledges a lifecycle notification immediately and
// hands it to the controller.
func (h *CallHandlers) HandleCallWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := uuid.NewString()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.logger.Warn("failed to read webhook body", "request_id", requestID, "error", err)
	} else if ev, err := ParseCallEvent(body); err != nil {
		h.logger.Warn("ignoring webhook", "request_id", requestID, "error", err)
	} else {
		h.logger.Debug("webhook received",
			"request_id", requestID,
			"event", ev.Type,
			"call_control_id", ev.CallControlID,
		)
		h.controller.Dispatch(ev)
	}

	// the provider retries anything but 2xx; our state is our problem
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ============================================
// WEBSOCKET ENDPOINT
// ============================================

// HandleMediaStream hands a provider media websocket to the bridge.
func (h *CallHandlers) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	h.bridge.HandleWebSocketConnection(w, r)
}

// ============================================
// HEALTH & STATUS ENDPOINTS
// ============================================

// HandleHealth reports liveness.
func (h *CallHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(h.startedAt).Seconds()),
		"active_sessions": h.bridge.ActiveSessions(),
	})
}

// HandleBridgeStatus returns live bridge sessions, or one session when
// session_id is given.
func (h *CallHandlers) HandleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("session_id"); id != "" {
		s := h.bridge.Session(id)
		if s == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, s.Status())
		return
	}

	resp := map[string]any{
		"active_sessions": h.bridge.ActiveSessions(),
		"sessions":        h.bridge.Sessions(),
	}
	if n, err := h.controller.ActiveCalls(r.Context()); err == nil {
		resp["active_calls"] = n
	} else {
		h.logger.Warn("failed to count active calls", "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ============================================
// ROUTE REGISTRATION
// ============================================

// RegisterRoutes registers all call handler routes
func (h *CallHandlers) RegisterRoutes(mux *http.ServeMux) {
	// Operator endpoint
	mux.HandleFunc("/api/calls", h.HandlePlaceCall)

	// Provider endpoints
	mux.HandleFunc("/api/telephony/webhook", h.HandleCallWebhook)
	mux.HandleFunc("/api/telephony/media", h.HandleMediaStream)

	// Status endpoints
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/telephony/bridge/status", h.HandleBridgeStatus)

	h.logger.Debug("registered call handler routes")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
