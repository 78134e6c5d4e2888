/*
phase.go - Phase transitions of a debt-payoff strategy

RULES (Next):
  no financial intent          -> unchanged
  0 + financial intent         -> 1
  1 -> 2 iff urgency known and total debt known
  2 -> 3 iff total debt and target months known
  3 -> 4 iff a pace exists in the state persisted before this turn
  4, 5                         -> unchanged (moved by dialogue completion,
                                  the paid-off event or a reset)

  Advance applies Next until it stops changing. The engine never moves a
  phase backwards; only a confirmed debt deletion returns to 0, and that is
  the guard's doing, not the engine's.
*/
package finance

import "github.com/lifeos/decision-engine/intent"

// Facts is what the phase engine looks at.
type Facts struct {
	FinancialIntent bool
	UrgencyKnown    bool
	DebtKnown       bool
	MonthsKnown     bool
	// PacePersisted is true when the state loaded at the start of the turn
	// already held a pace.
	PacePersisted bool
}

// FactsFor combines the persisted state, the candidate state of this turn,
// the dialogue slots and the utterance signals.
func FactsFor(persisted, candidate FinancialState, conv ConversationState, sig intent.Signals) Facts {
	return Facts{
		FinancialIntent: sig.FinancialIntent,
		UrgencyKnown:    sig.Urgency != intent.UrgencyNone || conv.Has(SlotUrgency),
		DebtKnown:       candidate.HasDebt(),
		MonthsKnown:     candidate.HasTimeline(),
		PacePersisted:   persisted.HasPace(),
	}
}

// Next applies one transition.
func Next(p Phase, f Facts) Phase {
	if !f.FinancialIntent {
		return p
	}
	switch p {
	case PhaseUninitialized:
		return PhaseStopBleeding
	case PhaseStopBleeding:
		if f.UrgencyKnown && f.DebtKnown {
			return PhaseDefineDeadline
		}
	case PhaseDefineDeadline:
		if f.DebtKnown && f.MonthsKnown {
			return PhaseComputePace
		}
	case PhaseComputePace:
		if f.PacePersisted {
			return PhaseExecute
		}
	}
	return p
}

// Advance applies Next until a fixpoint.
func Advance(p Phase, f Facts) Phase {
	for {
		n := Next(p, f)
		if n <= p {
			return p
		}
		p = n
	}
}
