/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract. Money amounts travel as
  decimal strings ("200.00"), never floats.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Chat:
    ChatRequest, ReplyDTO (the {reply, action} shape)

  Actions:
    ActionRequest

  Finance:
    FinancialStateDTO, ConversationDTO

  Ledger:
    EventDTO, LedgerResponse

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/finance"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CHAT
// =============================================================================

// ChatRequest is the body of POST /api/users/{id}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ReplyDTO is the reply to a turn or an action.
type ReplyDTO struct {
	Reply  string            `json:"reply"`
	Action *assistant.Action `json:"action"`
	Source assistant.Source  `json:"source"`
}

// ActionRequest identifies the proposal to confirm or cancel.
type ActionRequest struct {
	ID string `json:"id"`
}

// =============================================================================
// FINANCE
// =============================================================================

type FinancialStateDTO struct {
	Phase           int       `json:"phase"`
	PhaseLabel      string    `json:"phaseLabel"`
	TotalDebt       *string   `json:"totalDebt"`
	TargetMonths    *int      `json:"targetMonths"`
	MonthlyPace     *string   `json:"monthlyPace"`
	DailyPace       *string   `json:"dailyPace"`
	MonthlyIncome   *string   `json:"monthlyIncome"`
	MonthlyExpenses *string   `json:"monthlyExpenses"`
	Available       *string   `json:"available"`
	Focus           string    `json:"focus,omitempty"`
	Strategy        string    `json:"strategy,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitzero"`
}

type ConversationDTO struct {
	Active               bool     `json:"active"`
	TotalDebt            *string  `json:"totalDebt"`
	Urgency              string   `json:"urgency,omitempty"`
	TargetMonths         int      `json:"targetMonths,omitempty"`
	AskedSlots           []string `json:"askedSlots"`
	DataComplete         bool     `json:"dataComplete"`
	ReadyToExecute       bool     `json:"readyToExecute"`
	Executed             bool     `json:"executed"`
	AwaitingConfirmation bool     `json:"awaitingConfirmation"`
	PendingOperation     string   `json:"pendingOperation,omitempty"`
	ProposalID           string   `json:"proposalId,omitempty"`
	ProposedAt           *string  `json:"proposedAt,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type EventDTO struct {
	ID          int64             `json:"id"`
	Kind        string            `json:"kind"`
	Amount      *string           `json:"amount"`
	Description string            `json:"description"`
	Timestamp   int64             `json:"timestamp"`
	Before      FinancialStateDTO `json:"before"`
	After       FinancialStateDTO `json:"after"`
}

type LedgerResponse struct {
	UserID   string     `json:"userId"`
	Events   []EventDTO `json:"events"`
	Verified bool       `json:"verified"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	LLM    bool   `json:"llm"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toReplyDTO(r assistant.Reply) ReplyDTO {
	return ReplyDTO{Reply: r.Text, Action: r.Action, Source: r.Source}
}

func money(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(2)
	return &s
}

func toFinancialStateDTO(s finance.FinancialState) FinancialStateDTO {
	return FinancialStateDTO{
		Phase:           int(s.Phase),
		PhaseLabel:      s.Phase.Label(),
		TotalDebt:       money(s.TotalDebt),
		TargetMonths:    s.TargetMonths,
		MonthlyPace:     money(s.MonthlyPace),
		DailyPace:       money(s.DailyPace),
		MonthlyIncome:   money(s.MonthlyIncome),
		MonthlyExpenses: money(s.MonthlyExpenses),
		Available:       money(s.Available()),
		Focus:           s.Focus,
		Strategy:        s.Strategy,
		UpdatedAt:       s.UpdatedAt,
	}
}

func toConversationDTO(c finance.ConversationState) ConversationDTO {
	dto := ConversationDTO{
		Active:               c.Active,
		TotalDebt:            money(c.Collected.TotalDebt),
		Urgency:              c.Collected.Urgency,
		TargetMonths:         c.Collected.TargetMonths,
		AskedSlots:           make([]string, 0, len(c.AskedSlots)),
		DataComplete:         c.DataComplete,
		ReadyToExecute:       c.ReadyToExecute,
		Executed:             c.Executed,
		AwaitingConfirmation: c.AwaitingConfirmation,
		PendingOperation:     string(c.PendingOperation),
		ProposalID:           c.ProposalID,
	}
	for _, s := range c.AskedSlots {
		dto.AskedSlots = append(dto.AskedSlots, string(s))
	}
	if !c.ProposedAt.IsZero() {
		at := c.ProposedAt.UTC().Format(time.RFC3339)
		dto.ProposedAt = &at
	}
	return dto
}

func toEventDTOs(events []finance.Event) []EventDTO {
	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, EventDTO{
			ID:          e.ID,
			Kind:        string(e.Kind),
			Amount:      money(e.Amount),
			Description: e.Description,
			Timestamp:   e.Timestamp,
			Before:      toFinancialStateDTO(e.Before),
			After:       toFinancialStateDTO(e.After),
		})
	}
	return dtos
}
