package finance

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Slot is a datum the planning dialogue collects.
type Slot string

const (
	SlotTotalDebt    Slot = "totalDebt"
	SlotUrgency      Slot = "urgency"
	SlotTargetMonths Slot = "targetMonths"
)

// SlotOrder is the order in which missing slots are asked.
var SlotOrder = []Slot{SlotTotalDebt, SlotUrgency, SlotTargetMonths}

// Operation is a guarded operation awaiting confirmation.
type Operation string

const (
	OpDeleteDebt   Operation = "delete-debt"
	OpSaveStrategy Operation = "save-strategy"
)

// Collected holds the slot values gathered so far. Zero values mean absent.
type Collected struct {
	TotalDebt    decimal.NullDecimal `json:"totalDebt"`
	Urgency      string              `json:"urgency,omitempty"`
	TargetMonths int                 `json:"targetMonths,omitempty"`
}

// ConversationState is the slot memory of the current planning dialogue plus
// the pending-proposal fields of the MutationGuard.
type ConversationState struct {
	Active         bool      `json:"active"`
	Collected      Collected `json:"collected"`
	AskedSlots     []Slot    `json:"askedSlots"`
	DataComplete   bool      `json:"dataComplete"`
	ReadyToExecute bool      `json:"readyToExecute"`
	Executed       bool      `json:"executed"`

	AwaitingConfirmation bool                `json:"awaitingConfirmation"`
	PendingOperation     Operation           `json:"pendingOperation,omitempty"`
	PendingDeleteAmount  decimal.NullDecimal `json:"pendingDeleteAmount"`
	DeleteAll            bool                `json:"deleteAll,omitempty"`
	PendingStrategy      string              `json:"pendingStrategy,omitempty"`
	ProposalID           string              `json:"proposalId,omitempty"`
	ProposedAt           time.Time           `json:"proposedAt,omitzero"`
}

// Has reports whether a slot holds a value.
func (c ConversationState) Has(slot Slot) bool {
	switch slot {
	case SlotTotalDebt:
		return c.Collected.TotalDebt.Valid
	case SlotUrgency:
		return c.Collected.Urgency != ""
	case SlotTargetMonths:
		return c.Collected.TargetMonths > 0
	}
	return false
}

func (c ConversationState) Asked(slot Slot) bool {
	return slices.Contains(c.AskedSlots, slot)
}

// NextQuestion returns the first missing slot that was never asked.
func (c ConversationState) NextQuestion() (Slot, bool) {
	for _, s := range SlotOrder {
		if !c.Has(s) && !c.Asked(s) {
			return s, true
		}
	}
	return "", false
}

// Complete reports whether all three slots are filled.
func (c ConversationState) Complete() bool {
	for _, s := range SlotOrder {
		if !c.Has(s) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (c ConversationState) Clone() ConversationState {
	c.AskedSlots = slices.Clone(c.AskedSlots)
	return c
}

// WithAsked returns a copy with slot appended to AskedSlots. The set only grows.
func (c ConversationState) WithAsked(slot Slot) ConversationState {
	c = c.Clone()
	if !c.Asked(slot) {
		c.AskedSlots = append(c.AskedSlots, slot)
	}
	return c
}

// ResetDialogue returns an empty dialogue. Proposal fields are kept; a
// pending proposal is resolved by the guard, not by a new dialogue.
func (c ConversationState) ResetDialogue() ConversationState {
	return ConversationState{
		AwaitingConfirmation: c.AwaitingConfirmation,
		PendingOperation:     c.PendingOperation,
		PendingDeleteAmount:  c.PendingDeleteAmount,
		DeleteAll:            c.DeleteAll,
		PendingStrategy:      c.PendingStrategy,
		ProposalID:           c.ProposalID,
		ProposedAt:           c.ProposedAt,
	}
}

// ClearProposal returns a copy without any pending proposal.
func (c ConversationState) ClearProposal() ConversationState {
	c = c.Clone()
	c.AwaitingConfirmation = false
	c.PendingOperation = ""
	c.PendingDeleteAmount = decimal.NullDecimal{}
	c.DeleteAll = false
	c.PendingStrategy = ""
	c.ProposalID = ""
	c.ProposedAt = time.Time{}
	return c
}

// Expired reports whether the pending proposal is older than ttl.
// A zero ttl disables expiry.
func (c ConversationState) Expired(now time.Time, ttl time.Duration) bool {
	if !c.AwaitingConfirmation || ttl <= 0 || c.ProposedAt.IsZero() {
		return false
	}
	return now.Sub(c.ProposedAt) >= ttl
}
