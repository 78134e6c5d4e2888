package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/lifeos/decision-engine/finance"
	"github.com/shopspring/decimal"
)

// Deterministic reply texts. Nothing here may claim a change that the
// caller has not already committed.

const (
	replyNothingToRemove  = "There is no debt recorded, so there is nothing to remove."
	replyDeleteFailed     = "I couldn't remove the debt. It is still recorded and nothing was changed."
	replyActionFailed     = "I couldn't complete that action, so your data is unchanged."
	replyWriteFailed      = "I couldn't save that, so your data is unchanged. Please try again."
	replyCancelled        = "Okay, cancelled. Nothing was changed."
	replyExpired          = "That request expired before it was confirmed, so nothing was changed. Ask again if you still want it."
	replyStrategySaved    = "Strategy saved to your plan."
	replyNoStrategy       = "There is no strategy in our conversation to save yet. Ask me to build one first."
	replyNoData           = "You don't have any financial data yet. Want to start organizing?"
	replyNoHistory        = "No changes have been recorded yet."
	replyPaidOff          = "Congratulations, your debt is cleared! Your plan is marked as done."
	replyCollaboratorDown = "Sorry, I couldn't process that right now. Nothing was changed, please try again."
)

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func askSlot(slot finance.Slot) string {
	switch slot {
	case finance.SlotTotalDebt:
		return "What is the total amount of the debt?"
	case finance.SlotUrgency:
		return "Is this debt overdue or coming due soon?"
	case finance.SlotTargetMonths:
		return "How long do you want to take to pay it off? (e.g. 6 months)"
	}
	return ""
}

func dataCompleteReply(fin finance.FinancialState) string {
	var b strings.Builder
	b.WriteString("Got it. Here is your plan:\n")
	fmt.Fprintf(&b, "- Debt: %s\n", money(fin.TotalDebt.Decimal))
	fmt.Fprintf(&b, "- Deadline: %d months\n", fin.Months())
	if fin.HasPace() {
		fmt.Fprintf(&b, "- Pace: %s per month, about %s per day\n", money(fin.MonthlyPace.Decimal), money(fin.DailyPace.Decimal))
	}
	b.WriteString("Shall we commit to it?")
	return b.String()
}

func executedReply(fin finance.FinancialState) string {
	if fin.HasPace() {
		return fmt.Sprintf("Plan updated! Goal set: %s per month for %d months. Want to look at another area?",
			money(fin.MonthlyPace.Decimal), fin.Months())
	}
	return "Plan updated! Goal set. Want to look at another area?"
}

func readBack(fin finance.FinancialState) string {
	if !fin.HasDebt() && fin.Phase == finance.PhaseUninitialized && fin.Strategy == "" && budgetLine(fin) == "" {
		return replyNoData
	}
	parts := []string{"Phase " + fin.Phase.String()}
	if fin.HasDebt() {
		parts = append(parts, "Debt: "+money(fin.TotalDebt.Decimal))
	}
	if fin.HasTimeline() {
		parts = append(parts, fmt.Sprintf("Deadline: %d months", fin.Months()))
	}
	if fin.HasPace() {
		parts = append(parts, "Monthly pace: "+money(fin.MonthlyPace.Decimal))
	}
	if fin.Focus != "" {
		parts = append(parts, "Focus: "+fin.Focus)
	}
	if b := budgetLine(fin); b != "" {
		parts = append(parts, b)
	}
	text := "Your finances: " + strings.Join(parts, " | ")
	if fin.Strategy != "" {
		text += "\n\nStrategy:\n" + fin.Strategy
	}
	return text
}

// budgetLine renders the known monthly figures, or "" when none is known.
func budgetLine(fin finance.FinancialState) string {
	var parts []string
	if fin.MonthlyIncome.Valid {
		parts = append(parts, "Income: "+money(fin.MonthlyIncome.Decimal))
	}
	if fin.MonthlyExpenses.Valid {
		parts = append(parts, "Expenses: "+money(fin.MonthlyExpenses.Decimal))
	}
	if avail := fin.Available(); avail.Valid {
		parts = append(parts, "Available: "+money(avail.Decimal))
	}
	return strings.Join(parts, " | ")
}

// historyLimit bounds the ledger read-back to the newest entries.
const historyLimit = 10

func historyReply(events []finance.Event) string {
	if len(events) == 0 {
		return replyNoHistory
	}
	shown := events
	if len(shown) > historyLimit {
		shown = shown[len(shown)-historyLimit:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Change history (%d of %d):", len(shown), len(events))
	for _, e := range shown {
		fmt.Fprintf(&b, "\n#%d %s %s", e.ID, time.Unix(e.Timestamp, 0).UTC().Format("2006-01-02 15:04"), e.Kind)
		if e.Amount.Valid {
			b.WriteString(" " + money(e.Amount.Decimal))
		}
		if e.Description != "" {
			b.WriteString(": " + e.Description)
		}
	}
	return b.String()
}

func proposeDeleteReply(fin finance.FinancialState, deleteAll bool) string {
	what := "your debt of " + money(fin.TotalDebt.Decimal)
	if deleteAll {
		what = "all your debt records (" + money(fin.TotalDebt.Decimal) + ")"
	}
	return fmt.Sprintf("This will remove %s and reset your plan. Do you confirm? (yes/no)", what)
}

func proposeStrategyReply(strategy string) string {
	return "I can save this strategy to your plan:\n\n" + strategy + "\n\nShall I save it? (yes/no)"
}

func pendingReply(op finance.Operation) string {
	switch op {
	case finance.OpDeleteDebt:
		return "I'm still waiting for your answer: should I remove the debt? Reply yes or no."
	case finance.OpSaveStrategy:
		return "I'm still waiting for your answer: should I save the strategy to your plan? Reply yes or no."
	}
	return "I'm still waiting for your answer. Reply yes or no."
}

func deletedReply(amount decimal.NullDecimal) string {
	if amount.Valid {
		return fmt.Sprintf("Done. The debt of %s was removed.", money(amount.Decimal))
	}
	return "Done. Your debt was removed."
}
