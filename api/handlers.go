/*
handlers.go - HTTP API handlers for the decision engine

PURPOSE:
  Exposes the orchestrator via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the assistant package.
  Handlers never touch FinancialState directly.

ENDPOINTS:
  Chat:
    POST   /api/users/{id}/chat                  One conversational turn
    POST   /api/users/{id}/actions/confirm       Confirm a proposal by id
    POST   /api/users/{id}/actions/cancel        Cancel a proposal by id

  State:
    GET    /api/users/{id}/finance               Current FinancialState
    GET    /api/users/{id}/conversation          Dialogue and proposal state
    GET    /api/users/{id}/ledger[?verify=true]  Ledger, optionally verified

  Ops:
    GET    /health
    GET    /metrics

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the orchestrator
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input (empty message, missing proposal id)
  - 409: No matching proposal, or a broken ledger chain
  - 410: Proposal expired (nothing was executed)
  - 500: Persistence failures; the state is unchanged

SECURITY NOTE:
  No authentication. The user id is taken from the path.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - assistant/orchestrator.go: Dispatch order
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/finance"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Orchestrator  *assistant.Orchestrator
	Metrics       *Metrics
	LLMConfigured bool
	Logger        *slog.Logger
}

// NewHandler creates a handler. metrics may be nil.
func NewHandler(o *assistant.Orchestrator, metrics *Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Orchestrator: o, Metrics: metrics, Logger: logger}
}

// =============================================================================
// CHAT ENDPOINTS
// =============================================================================

// Chat runs one conversational turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req ChatRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	reply, err := h.Orchestrator.Handle(r.Context(), userID, req.Message)
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.ObserveTurn(reply.Source)
	}
	writeJSON(w, http.StatusOK, toReplyDTO(reply))
}

// ConfirmAction executes the proposal named in the body.
func (h *Handler) ConfirmAction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	req, ok := decodeAction(w, r)
	if !ok {
		return
	}

	reply, err := h.Orchestrator.Confirm(r.Context(), userID, req.ID)
	if errors.Is(err, finance.ErrProposalExpired) {
		writeJSON(w, http.StatusGone, ErrorResponse{
			Error:   reply.Text,
			Code:    "proposal_expired",
			Details: toReplyDTO(reply),
		})
		return
	}
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, toReplyDTO(reply))
}

// CancelAction clears the proposal named in the body.
func (h *Handler) CancelAction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	req, ok := decodeAction(w, r)
	if !ok {
		return
	}

	reply, err := h.Orchestrator.Cancel(r.Context(), userID, req.ID)
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, toReplyDTO(reply))
}

// =============================================================================
// STATE ENDPOINTS
// =============================================================================

func (h *Handler) GetFinance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	fin, err := h.Orchestrator.FinancialState(r.Context(), userID)
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, toFinancialStateDTO(fin))
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	conv, err := h.Orchestrator.Conversation(r.Context(), userID)
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationDTO(conv))
}

// GetLedger lists the user's events. With verify=true the chain is checked
// first and a break is reported as 409.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	verify := false
	if v := r.URL.Query().Get("verify"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "verify must be a boolean", err)
			return
		}
		verify = b
	}

	events, err := h.Orchestrator.Ledger(r.Context(), userID, verify)
	if err != nil {
		h.failure(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, LedgerResponse{
		UserID:   userID,
		Events:   toEventDTOs(events),
		Verified: verify,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", LLM: h.LLMConfigured})
}

// =============================================================================
// HELPERS
// =============================================================================

// failure maps a domain or persistence error to a response.
func (h *Handler) failure(w http.ResponseWriter, userID string, err error) {
	var chainErr *finance.ChainError
	switch {
	case errors.Is(err, finance.ErrNoPendingProposal):
		writeErrorCode(w, http.StatusConflict, "no matching proposal is awaiting confirmation", "no_pending_proposal", nil)
	case errors.As(err, &chainErr):
		writeErrorCode(w, http.StatusConflict, "ledger chain is broken", "broken_chain", chainErr)
	default:
		h.Logger.Error("request failed", "user", userID, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "request failed, state unchanged", "state_unchanged", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

func decodeAction(w http.ResponseWriter, r *http.Request) (ActionRequest, bool) {
	var req ActionRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
