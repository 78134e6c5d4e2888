/*
dialogue.go - Slot-filling protocol of the planning dialogue

PURPOSE:
  Step is a pure function from (persisted FinancialState, ConversationState,
  utterance Signals) to the candidate next states and what the dialogue
  should say. It writes nothing; the caller commits the result through the
  Guard.

ONE TURN WITH FINANCIAL INTENT:
  0. executed already true -> the dialogue restarts empty
  1. every slot not yet collected is filled from the signals; debt and
     timeline are mirrored into the FinancialState (pace derives from them)
  2. phase advances to its fixpoint, dataComplete is recomputed
  3. first match wins:
       a missing slot never asked    -> ask it (askedSlots grows)
       complete, not ready           -> ready, data-complete summary
       ready, not executed           -> phase 4, executed, completion
       otherwise                     -> silent (LLM hand-off)

  A slot is asked at most once. An asked slot left unanswered can still be
  filled by a later utterance; the dialogue just never asks for it again.

BUDGET:
  Monthly income and expenses are not slots: the dialogue never asks for
  them. Whenever an utterance carries one it is recorded, the latest mention
  winning, so "actually I earn 2800" corrects an earlier figure.

SEE ALSO:
  - phase.go: Transition rules used in step 2
  - guard.go: Commits the StepResult
*/
package finance

import "github.com/lifeos/decision-engine/intent"

// StepOutcome is what the dialogue wants to tell the user.
type StepOutcome int

const (
	StepSilent StepOutcome = iota
	StepAsk
	StepDataComplete
	StepExecuted
)

func (o StepOutcome) String() string {
	switch o {
	case StepAsk:
		return "ask"
	case StepDataComplete:
		return "data-complete"
	case StepExecuted:
		return "executed"
	}
	return "silent"
}

// StepResult is the candidate outcome of one dialogue turn.
type StepResult struct {
	Financial    FinancialState
	Conversation ConversationState
	Outcome      StepOutcome
	// Asked is set when Outcome is StepAsk.
	Asked Slot
	// Kind is the ledger kind of the financial change, "" when none.
	Kind EventKind
	// Restarted is true when an executed dialogue was reset this turn.
	Restarted bool
}

// Step runs one financial turn of the dialogue.
func Step(fin FinancialState, conv ConversationState, sig intent.Signals) StepResult {
	res := StepResult{}
	conv = conv.Clone()
	if conv.Executed {
		conv = conv.ResetDialogue()
		res.Restarted = true
	}
	conv.Active = true

	next := fill(fin, &conv, sig)
	next = advance(fin, next, conv, sig)
	conv.DataComplete = conv.Complete()

	if slot, ok := conv.NextQuestion(); ok {
		conv = conv.WithAsked(slot)
		res.Outcome = StepAsk
		res.Asked = slot
	} else if conv.DataComplete && !conv.ReadyToExecute {
		conv.ReadyToExecute = true
		next = syncSlots(next, conv)
		if next.Phase < PhaseComputePace {
			next = next.WithPhase(PhaseComputePace)
		}
		res.Outcome = StepDataComplete
	} else if conv.ReadyToExecute && !conv.Executed {
		conv.Executed = true
		if next.Phase < PhaseExecute {
			next = next.WithPhase(PhaseExecute)
		}
		res.Outcome = StepExecuted
	}

	res.Financial = next
	res.Conversation = conv
	res.Kind = ClassifyChange(fin, next)
	return res
}

// Absorb replays slot filling over several utterances without asking
// anything. Used when the assistant declares a consultation finished.
func Absorb(fin FinancialState, conv ConversationState, sigs []intent.Signals) StepResult {
	res := StepResult{}
	conv = conv.Clone()
	if conv.Executed {
		conv = conv.ResetDialogue()
		res.Restarted = true
	}
	conv.Active = true

	next := fin
	for _, sig := range sigs {
		next = fill(next, &conv, sig)
	}
	next = advance(fin, next, conv, intent.Signals{FinancialIntent: true})
	conv.DataComplete = conv.Complete()

	if conv.DataComplete && !conv.ReadyToExecute {
		conv.ReadyToExecute = true
		next = syncSlots(next, conv)
		if next.Phase < PhaseComputePace {
			next = next.WithPhase(PhaseComputePace)
		}
		res.Outcome = StepDataComplete
	}

	res.Financial = next
	res.Conversation = conv
	res.Kind = ClassifyChange(fin, next)
	return res
}

// PaidOff moves an executing plan to debt-cleared.
func PaidOff(fin FinancialState) (FinancialState, bool) {
	if fin.Phase != PhaseExecute {
		return fin, false
	}
	return fin.WithPhase(PhaseCleared), true
}

func fill(fin FinancialState, conv *ConversationState, sig intent.Signals) FinancialState {
	next := fin
	if !conv.Has(SlotTotalDebt) && sig.Amount.Valid && !sig.Amount.Decimal.IsNegative() {
		conv.Collected.TotalDebt = sig.Amount
		next = next.WithDebt(sig.Amount.Decimal)
	}
	if !conv.Has(SlotUrgency) && sig.Urgency != intent.UrgencyNone {
		conv.Collected.Urgency = string(sig.Urgency)
	}
	if !conv.Has(SlotTargetMonths) && sig.HasDuration() {
		conv.Collected.TargetMonths = sig.DurationMonths
		next = next.WithTargetMonths(sig.DurationMonths)
	}
	if sig.Income.Valid && !sig.Income.Decimal.IsNegative() {
		next = next.WithIncome(sig.Income.Decimal)
	}
	if sig.Expenses.Valid && !sig.Expenses.Decimal.IsNegative() {
		next = next.WithExpenses(sig.Expenses.Decimal)
	}
	return next
}

func advance(persisted, next FinancialState, conv ConversationState, sig intent.Signals) FinancialState {
	phase := Advance(next.Phase, FactsFor(persisted, next, conv, sig))
	if phase != next.Phase {
		next = next.WithPhase(phase)
	}
	return next
}

// syncSlots makes the plan carry the dialogue's debt and timeline.
func syncSlots(next FinancialState, conv ConversationState) FinancialState {
	if !next.HasDebt() && conv.Has(SlotTotalDebt) {
		next = next.WithDebt(conv.Collected.TotalDebt.Decimal)
	}
	if !next.HasTimeline() && conv.Has(SlotTargetMonths) {
		next = next.WithTargetMonths(conv.Collected.TargetMonths)
	}
	return next
}
