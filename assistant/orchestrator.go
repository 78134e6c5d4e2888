/*
orchestrator.go - One user turn, from utterance to reply

PURPOSE:
  The Orchestrator decides, for every utterance, whether the engine answers
  deterministically or the LLM collaborator is needed, and it is the only
  caller of the Guard. A reply never claims a change the Guard did not
  commit.

DISPATCH (first match wins):
  0. a stale proposal is expired
  1. proposal pending           -> Guard.Resolve (confirm / cancel / remind)
  2. delete intent              -> propose deletion, or "nothing to remove"
  3. save-strategy intent       -> propose the strategy found in memory
  4. history / read intent      -> ledger or state read-back
  5. financial / paid-off       -> paid-off at phase 4, else slot dialogue;
                                   a silent dialogue step falls through
  6. anything else              -> LLM hand-off with context

HAND-OFF:
  Handle sends the prompt to the Completer. Sentinel tokens in the answer
  are stripped and acted on:
    SAVE_STRATEGY      -> strategy proposal, confirmed on a later turn
    CONSULTATION_DONE  -> slots re-extracted from recent user messages and
                          committed through the Guard
  A failed completion yields an apology; nothing is written, not even
  memory.

CONCURRENCY:
  Handle, Confirm, Cancel and SweepExpired hold a per-user lock, so a user's
  read-modify-write cycles never interleave.

SEE ALSO:
  - finance/guard.go: Propose / Resolve / Commit
  - finance/dialogue.go: Slot-filling step
  - prompt.go, sentinel.go, strategy.go, replies.go
*/
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/intent"
	"github.com/lifeos/decision-engine/llm"
	"github.com/shopspring/decimal"
)

// DefaultTurnTimeout bounds a whole LLM hand-off, retries included.
const DefaultTurnTimeout = 2 * time.Minute

// Completer is the LLM collaborator.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// =============================================================================
// REPLY
// =============================================================================

// Source tells who wrote a reply.
type Source string

const (
	SourceEngine   Source = "engine"
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// ActionConfirm is the only action type: a proposal awaiting confirmation.
const ActionConfirm = "confirm"

// Action is a fully specified operation the user must confirm before it
// runs.
type Action struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Operation   finance.Operation `json:"operation"`
	Payload     map[string]any    `json:"payload"`
	Description string            `json:"description"`
}

type Reply struct {
	Text   string
	Action *Action
	Source Source
}

// Handoff carries the prompt for the LLM collaborator.
type Handoff struct {
	Messages []llm.Message
}

// Decision is the result of Dispatch: exactly one field is set.
type Decision struct {
	Reply   *Reply
	Handoff *Handoff
}

func engineReply(text string) *Reply {
	return &Reply{Text: text, Source: SourceEngine}
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type Orchestrator struct {
	store       finance.TxStore
	guard       *finance.Guard
	ledger      *finance.Ledger
	extractor   *intent.Extractor
	llm         Completer
	system      string
	turnTimeout time.Duration
	locks       *userLocks
	logger      *slog.Logger
}

type Option func(*Orchestrator)

func WithCompleter(c Completer) Option {
	return func(o *Orchestrator) { o.llm = c }
}

// WithExtractor shares an extractor, e.g. one that hot-reloads its table.
func WithExtractor(e *intent.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.system = prompt }
}

// WithTurnTimeout bounds one LLM hand-off. Non-positive values keep the
// default.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.turnTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. guard must write to store.
func New(store finance.TxStore, guard *finance.Guard, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		guard:       guard,
		ledger:      finance.NewLedger(store),
		system:      DefaultSystemPrompt,
		turnTimeout: DefaultTurnTimeout,
		locks:       newUserLocks(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extractor == nil {
		o.extractor = intent.NewExtractor(nil, o.logger)
	}
	return o
}

// TurnTimeout is the bound applied to each LLM hand-off.
func (o *Orchestrator) TurnTimeout() time.Duration { return o.turnTimeout }

// =============================================================================
// HANDLE
// =============================================================================

// Handle runs one turn for userID, including the LLM hand-off. The error is
// reserved for persistence failures; every other outcome is a Reply.
func (o *Orchestrator) Handle(ctx context.Context, userID, utterance string) (Reply, error) {
	unlock := o.locks.lock(userID)
	defer unlock()

	d, err := o.Dispatch(ctx, userID, utterance)
	if err != nil {
		return Reply{}, err
	}

	var r Reply
	if d.Reply != nil {
		r = *d.Reply
	} else {
		r, err = o.complete(ctx, userID, utterance, d.Handoff)
		if err != nil {
			return Reply{}, err
		}
		if r.Source == SourceFallback {
			return r, nil
		}
	}

	o.remember(ctx, userID, utterance, r.Text)
	return r, nil
}

// Dispatch applies the dispatch order to one utterance. Engine-side writes
// (proposals, dialogue commits, resolutions) happen here; the LLM is never
// called. Callers that bypass Handle must serialize per user themselves.
func (o *Orchestrator) Dispatch(ctx context.Context, userID, utterance string) (Decision, error) {
	sig := o.extractor.Extract(utterance)

	expired, err := o.guard.ExpireStale(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("expire proposal: %w", err)
	}

	conv, err := o.store.LoadConversation(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load conversation: %w", err)
	}

	if conv.AwaitingConfirmation {
		res, err := o.guard.Resolve(ctx, userID, sig.ConfirmationGiven, sig.CancelGiven)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Reply: resolutionReply(res, conv)}, nil
	}
	if expired && (sig.ConfirmationGiven || sig.CancelGiven) {
		return Decision{Reply: engineReply(replyExpired)}, nil
	}

	fin, err := o.store.LoadFinancialState(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load financial state: %w", err)
	}

	var r *Reply
	switch {
	case sig.DeleteIntent:
		r, err = o.proposeDelete(ctx, userID, fin, sig)
	case sig.SaveStrategyIntent:
		r, err = o.proposeStrategy(ctx, userID)
	case sig.HistoryIntent:
		r, err = o.history(ctx, userID)
	case sig.ReadIntent:
		r = engineReply(readBack(fin))
	case sig.FinancialIntent || sig.PaidOffIntent:
		r, err = o.plan(ctx, userID, fin, conv, sig)
	}
	if err != nil {
		return Decision{}, err
	}
	if r != nil {
		return Decision{Reply: r}, nil
	}

	h, err := o.handoff(ctx, userID, utterance)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Handoff: h}, nil
}

// =============================================================================
// GUARDED OPERATIONS
// =============================================================================

func (o *Orchestrator) proposeDelete(ctx context.Context, userID string, fin finance.FinancialState, sig intent.Signals) (*Reply, error) {
	if !fin.HasDebt() {
		return engineReply(replyNothingToRemove), nil
	}

	conv, err := o.guard.Propose(ctx, userID, finance.Proposal{
		Operation: finance.OpDeleteDebt,
		Amount:    sig.Amount,
		DeleteAll: sig.DeleteAll,
	})
	if errors.Is(err, finance.ErrNoDebt) {
		return engineReply(replyNothingToRemove), nil
	}
	if err != nil {
		return nil, fmt.Errorf("propose deletion: %w", err)
	}

	action := actionFor(conv)
	action.Payload["totalDebt"] = money(fin.TotalDebt.Decimal)
	action.Description = fmt.Sprintf("Remove the debt of %s and reset the plan", money(fin.TotalDebt.Decimal))
	return &Reply{Text: proposeDeleteReply(fin, conv.DeleteAll), Action: action, Source: SourceEngine}, nil
}

func (o *Orchestrator) proposeStrategy(ctx context.Context, userID string) (*Reply, error) {
	mem, err := o.store.LoadMemory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	strategy := ExtractStrategy(mem.ByRole(finance.RoleAssistant, finance.MemoryLimit))
	if strategy == "" {
		return engineReply(replyNoStrategy), nil
	}

	conv, err := o.guard.Propose(ctx, userID, finance.Proposal{Operation: finance.OpSaveStrategy, Strategy: strategy})
	if err != nil {
		return nil, fmt.Errorf("propose strategy: %w", err)
	}
	return &Reply{Text: proposeStrategyReply(conv.PendingStrategy), Action: actionFor(conv), Source: SourceEngine}, nil
}

// Confirm executes the pending proposal identified by proposalID.
// finance.ErrProposalExpired comes back together with the expiry reply.
func (o *Orchestrator) Confirm(ctx context.Context, userID, proposalID string) (Reply, error) {
	unlock := o.locks.lock(userID)
	defer unlock()

	res, err := o.guard.ConfirmByID(ctx, userID, proposalID)
	if errors.Is(err, finance.ErrProposalExpired) {
		return *engineReply(replyExpired), err
	}
	if err != nil {
		return Reply{}, err
	}
	return *resolutionReply(res, finance.ConversationState{}), nil
}

// Cancel clears the pending proposal identified by proposalID.
func (o *Orchestrator) Cancel(ctx context.Context, userID, proposalID string) (Reply, error) {
	unlock := o.locks.lock(userID)
	defer unlock()

	res, err := o.guard.CancelByID(ctx, userID, proposalID)
	if err != nil {
		return Reply{}, err
	}
	return *resolutionReply(res, finance.ConversationState{}), nil
}

// SweepExpired clears every proposal that outlived the confirmation TTL and
// returns how many were cleared. It keeps going past per-user failures.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	users, err := o.store.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	var errs []error
	cleared := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		unlock := o.locks.lock(userID)
		expired, err := o.guard.ExpireStale(ctx, userID)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		if expired {
			cleared++
		}
	}
	return cleared, errors.Join(errs...)
}

func resolutionReply(res finance.Resolution, conv finance.ConversationState) *Reply {
	switch res.Outcome {
	case finance.ResolutionPending:
		r := engineReply(pendingReply(res.Operation))
		if conv.AwaitingConfirmation {
			r.Action = actionFor(conv)
		}
		return r
	case finance.ResolutionCancelled:
		return engineReply(replyCancelled)
	case finance.ResolutionExpired:
		return engineReply(replyExpired)
	case finance.ResolutionExecuted:
		if res.Operation == finance.OpSaveStrategy {
			return engineReply(replyStrategySaved)
		}
		return engineReply(deletedReply(res.Event.Amount))
	}

	// ResolutionFailed
	switch {
	case errors.Is(res.Err, finance.ErrNoDebt):
		return engineReply(replyNothingToRemove)
	case res.Operation == finance.OpDeleteDebt:
		return engineReply(replyDeleteFailed)
	}
	return engineReply(replyActionFailed)
}

func actionFor(conv finance.ConversationState) *Action {
	a := &Action{
		ID:        conv.ProposalID,
		Type:      ActionConfirm,
		Operation: conv.PendingOperation,
		Payload:   map[string]any{"proposedAt": conv.ProposedAt.Format(time.RFC3339)},
	}
	switch conv.PendingOperation {
	case finance.OpDeleteDebt:
		a.Description = "Remove the recorded debt and reset the plan"
		a.Payload["deleteAll"] = conv.DeleteAll
		if conv.PendingDeleteAmount.Valid {
			a.Payload["mentionedAmount"] = money(conv.PendingDeleteAmount.Decimal)
		}
	case finance.OpSaveStrategy:
		a.Description = "Save the strategy to the plan"
		a.Payload["strategy"] = conv.PendingStrategy
	}
	return a
}

// =============================================================================
// READ-BACK
// =============================================================================

func (o *Orchestrator) history(ctx context.Context, userID string) (*Reply, error) {
	events, err := o.ledger.Events(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return engineReply(historyReply(events)), nil
}

// FinancialState returns the user's persisted plan.
func (o *Orchestrator) FinancialState(ctx context.Context, userID string) (finance.FinancialState, error) {
	return o.store.LoadFinancialState(ctx, userID)
}

// Conversation returns the user's dialogue state.
func (o *Orchestrator) Conversation(ctx context.Context, userID string) (finance.ConversationState, error) {
	return o.store.LoadConversation(ctx, userID)
}

// Ledger returns the user's events, verifying the chain first when asked.
func (o *Orchestrator) Ledger(ctx context.Context, userID string, verify bool) ([]finance.Event, error) {
	events, err := o.ledger.Events(ctx, userID)
	if err != nil {
		return nil, err
	}
	if verify {
		if err := finance.VerifyChain(userID, events); err != nil {
			return events, err
		}
	}
	return events, nil
}

// =============================================================================
// PLANNING DIALOGUE
// =============================================================================

// plan runs the financial branch. A nil reply means the step was silent and
// the turn goes to the LLM.
func (o *Orchestrator) plan(ctx context.Context, userID string, fin finance.FinancialState, conv finance.ConversationState, sig intent.Signals) (*Reply, error) {
	if sig.PaidOffIntent {
		if next, ok := finance.PaidOff(fin); ok {
			reset := conv.ResetDialogue()
			_, err := o.guard.Commit(ctx, userID, finance.Mutation{
				Kind:         finance.KindDebtCleared,
				Amount:       fin.TotalDebt,
				Description:  "debt paid off",
				Expected:     fin,
				Next:         next,
				Conversation: &reset,
			})
			if err != nil {
				return o.writeFailure(userID, err)
			}
			return engineReply(replyPaidOff), nil
		}
		if !sig.FinancialIntent {
			return nil, nil
		}
	}

	res := finance.Step(fin, conv, sig)
	if res.Kind != "" {
		_, err := o.guard.Commit(ctx, userID, finance.Mutation{
			Kind:         res.Kind,
			Amount:       eventAmount(res.Kind, res.Financial),
			Description:  describe(res.Kind, res.Financial),
			Expected:     fin,
			Next:         res.Financial,
			Conversation: &res.Conversation,
		})
		if err != nil {
			return o.writeFailure(userID, err)
		}
	} else if err := o.store.SaveConversation(ctx, userID, res.Conversation); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}

	o.logger.Debug("Dialogue step", "user", userID, "outcome", res.Outcome, "kind", res.Kind, "phase", res.Financial.Phase)

	switch res.Outcome {
	case finance.StepAsk:
		return engineReply(askSlot(res.Asked)), nil
	case finance.StepDataComplete:
		return engineReply(dataCompleteReply(res.Financial)), nil
	case finance.StepExecuted:
		return engineReply(executedReply(res.Financial)), nil
	}
	return nil, nil
}

// writeFailure turns a rejected commit into an "unchanged" reply. Storage
// errors go up.
func (o *Orchestrator) writeFailure(userID string, err error) (*Reply, error) {
	if finance.IsRetryable(err) || finance.IsIntegrityError(err) {
		o.logger.Warn("Commit rejected", "user", userID, "error", err)
		return engineReply(replyWriteFailed), nil
	}
	return nil, fmt.Errorf("commit: %w", err)
}

func eventAmount(kind finance.EventKind, next finance.FinancialState) decimal.NullDecimal {
	switch kind {
	case finance.KindDebtAdded, finance.KindDebtUpdated:
		return next.TotalDebt
	case finance.KindPaceComputed:
		return next.MonthlyPace
	case finance.KindBudgetUpdated:
		return next.Available()
	}
	return decimal.NullDecimal{}
}

func describe(kind finance.EventKind, next finance.FinancialState) string {
	switch kind {
	case finance.KindDebtAdded:
		return "debt of " + money(next.TotalDebt.Decimal) + " recorded"
	case finance.KindDebtUpdated:
		return "debt changed to " + money(next.TotalDebt.Decimal)
	case finance.KindTimelineSet:
		return fmt.Sprintf("deadline set to %d months", next.Months())
	case finance.KindPaceComputed:
		return "pace set to " + money(next.MonthlyPace.Decimal) + " per month"
	case finance.KindPhaseAdvanced:
		return "phase advanced to " + next.Phase.String()
	case finance.KindBudgetUpdated:
		return "budget set to " + budgetLine(next)
	}
	return string(kind)
}

// =============================================================================
// LLM HAND-OFF
// =============================================================================

func (o *Orchestrator) handoff(ctx context.Context, userID, utterance string) (*Handoff, error) {
	fin, err := o.store.LoadFinancialState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load financial state: %w", err)
	}
	conv, err := o.store.LoadConversation(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	mem, err := o.store.LoadMemory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	return &Handoff{Messages: buildPrompt(o.system, fin, conv, mem, utterance)}, nil
}

func (o *Orchestrator) complete(ctx context.Context, userID, utterance string, h *Handoff) (Reply, error) {
	if o.llm == nil {
		o.logger.Warn("No completer configured", "user", userID)
		return Reply{Text: replyCollaboratorDown, Source: SourceFallback}, nil
	}

	llmCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()
	text, err := o.llm.Complete(llmCtx, h.Messages)
	if err != nil {
		o.logger.Warn("Completion failed, replying with fallback", "user", userID, "error", err)
		return Reply{Text: replyCollaboratorDown, Source: SourceFallback}, nil
	}

	clean, sentinels := ScanSentinels(text)
	r := Reply{Text: clean, Source: SourceLLM}
	for _, s := range sentinels {
		switch s {
		case SentinelSaveStrategy:
			proposal, err := o.proposeStrategy(ctx, userID)
			if err != nil {
				return Reply{}, err
			}
			if proposal.Action == nil {
				o.logger.Info("Save-strategy sentinel without a strategy in memory", "user", userID)
				continue
			}
			r.Text = strings.TrimSpace(r.Text + "\n\n" + proposal.Text)
			r.Action = proposal.Action
		case SentinelConsultationDone:
			if err := o.absorb(ctx, userID, utterance); err != nil {
				return Reply{}, err
			}
		}
	}
	return r, nil
}

// absorb re-extracts slots from the recent user messages (and the current
// one) and commits whatever they add to the plan.
func (o *Orchestrator) absorb(ctx context.Context, userID, utterance string) error {
	fin, err := o.store.LoadFinancialState(ctx, userID)
	if err != nil {
		return fmt.Errorf("load financial state: %w", err)
	}
	conv, err := o.store.LoadConversation(ctx, userID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	mem, err := o.store.LoadMemory(ctx, userID)
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}

	var sigs []intent.Signals
	for _, m := range mem.ByRole(finance.RoleUser, finance.MemoryLimit) {
		sigs = append(sigs, o.extractor.Extract(m.Content))
	}
	sigs = append(sigs, o.extractor.Extract(utterance))

	res := finance.Absorb(fin, conv, sigs)
	if res.Kind == "" {
		return o.store.SaveConversation(ctx, userID, res.Conversation)
	}
	_, err = o.guard.Commit(ctx, userID, finance.Mutation{
		Kind:         res.Kind,
		Amount:       eventAmount(res.Kind, res.Financial),
		Description:  describe(res.Kind, res.Financial),
		Expected:     fin,
		Next:         res.Financial,
		Conversation: &res.Conversation,
	})
	if err != nil && (finance.IsRetryable(err) || finance.IsIntegrityError(err)) {
		o.logger.Warn("Consultation data rejected", "user", userID, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit consultation data: %w", err)
	}
	o.logger.Info("Consultation data committed", "user", userID, "kind", res.Kind, "phase", res.Financial.Phase)
	return nil
}

func (o *Orchestrator) remember(ctx context.Context, userID, utterance, reply string) {
	mem, err := o.store.LoadMemory(ctx, userID)
	if err == nil {
		mem = mem.Append(
			finance.Message{Role: finance.RoleUser, Content: utterance},
			finance.Message{Role: finance.RoleAssistant, Content: reply},
		)
		err = o.store.SaveMemory(ctx, userID, mem)
	}
	if err != nil {
		o.logger.Warn("Failed to update memory", "user", userID, "error", err)
	}
}
