package assistant

import (
	"fmt"
	"strings"

	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/llm"
)

// DefaultSystemPrompt instructs the model. The sentinel lines are the only
// part of the reply the orchestrator acts on.
const DefaultSystemPrompt = `You are Leo, the LifeOS financial coach. Be empathetic, brief and practical.

Help the user get out of debt. When you need numbers, ask ONE question at a time:
the total debt, whether it is overdue or due soon, and how many months they want to take.
If the context shows the monthly budget, keep the plan within what is available.
Never ask again for something the context below already contains.

When you have all three, thank the user and end with: "I'll put your plan together! CONSULTATION_DONE"

When you build a strategy, use plain text without markdown:
1. Situation analysis
2. Three practical steps
3. Focus of the month
4. Daily goal
End it with the exact question: "Any questions about the plan?"

When the user says they understood or liked it, ask: "Can I add this strategy to your plan?"
If they agree, answer exactly: "Perfect! SAVE_STRATEGY"

Never say that you saved, changed or deleted anything yourself.`

// financialContext renders the persisted plan for the prompt.
func financialContext(fin finance.FinancialState) string {
	budget := budgetLine(fin)
	if !fin.HasDebt() && fin.Phase == finance.PhaseUninitialized {
		if budget != "" {
			return "FINANCES: No strategy defined yet.\n- Monthly budget: " + budget
		}
		return "FINANCES: No strategy defined yet."
	}

	var b strings.Builder
	b.WriteString("ACTIVE FINANCIAL STRATEGY:")
	fmt.Fprintf(&b, "\n- Phase: %s", fin.Phase)
	if fin.HasDebt() {
		fmt.Fprintf(&b, "\n- Total debt: %s", money(fin.TotalDebt.Decimal))
	}
	if fin.HasTimeline() {
		fmt.Fprintf(&b, "\n- Deadline: %d months", fin.Months())
	}
	if fin.HasPace() {
		fmt.Fprintf(&b, "\n- Monthly pace: %s", money(fin.MonthlyPace.Decimal))
		fmt.Fprintf(&b, "\n- Daily pace: %s", money(fin.DailyPace.Decimal))
	}
	if fin.Focus != "" {
		fmt.Fprintf(&b, "\n- Focus: %s", fin.Focus)
	}
	if budget != "" {
		fmt.Fprintf(&b, "\n- Monthly budget: %s", budget)
	}
	if fin.Strategy != "" {
		fmt.Fprintf(&b, "\n- Saved strategy:\n%s", fin.Strategy)
	}
	return b.String()
}

// conversationContext summarizes the dialogue so the model does not re-ask.
func conversationContext(conv finance.ConversationState) string {
	if !conv.Active {
		return "DIALOGUE: not started."
	}

	var known, missing []string
	for _, slot := range finance.SlotOrder {
		if !conv.Has(slot) {
			missing = append(missing, string(slot))
			continue
		}
		switch slot {
		case finance.SlotTotalDebt:
			known = append(known, "totalDebt="+money(conv.Collected.TotalDebt.Decimal))
		case finance.SlotUrgency:
			known = append(known, "urgency="+conv.Collected.Urgency)
		case finance.SlotTargetMonths:
			known = append(known, fmt.Sprintf("targetMonths=%d", conv.Collected.TargetMonths))
		}
	}

	var b strings.Builder
	b.WriteString("DIALOGUE:")
	if len(known) > 0 {
		b.WriteString("\n- Known: " + strings.Join(known, ", "))
	}
	if len(missing) > 0 {
		b.WriteString("\n- Missing: " + strings.Join(missing, ", "))
	}
	if len(conv.AskedSlots) > 0 {
		asked := make([]string, len(conv.AskedSlots))
		for i, s := range conv.AskedSlots {
			asked[i] = string(s)
		}
		b.WriteString("\n- Already asked (do not ask again): " + strings.Join(asked, ", "))
	}
	switch {
	case conv.Executed:
		b.WriteString("\n- Plan committed.")
	case conv.ReadyToExecute:
		b.WriteString("\n- Plan computed, waiting for the user to commit.")
	}
	return b.String()
}

// buildPrompt assembles the completion request: instructions, context, the
// last messages of memory and the current utterance.
func buildPrompt(system string, fin finance.FinancialState, conv finance.ConversationState, mem finance.Memory, utterance string) []llm.Message {
	window := mem.Window(finance.PromptWindow)
	msgs := make([]llm.Message, 0, len(window)+2)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: system + "\n\n" + financialContext(fin) + "\n\n" + conversationContext(conv),
	})
	for _, m := range window {
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: utterance})
	return msgs
}
