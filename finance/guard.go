/*
guard.go - MutationGuard: the only writer of FinancialState and the ledger

PURPOSE:
  Every change to a user's plan goes through the Guard. Destructive and
  AI-authored changes follow propose -> confirm -> execute -> verify;
  dialogue progress skips the confirmation but not the verification.

PROTOCOL (guarded operations: delete-debt, save-strategy):
  Propose  store the pending operation on the ConversationState, mint a
           proposal id, write nothing else
  Resolve  while a proposal is pending, look at the next utterance:
             expired  -> clear, report expiry, never execute
             cancel   -> clear, nothing executed
             confirm  -> execute
             other    -> keep the proposal outstanding
  Execute  one store transaction: re-check the precondition, write, re-read,
           check the post-condition, append the ledger entry, save the
           conversation. Any failure rolls everything back.
  Clear    the proposal is cleared whatever the outcome

  Deletion always clears the single debt record if one exists; the amount
  captured at propose time is informational only.

COMMIT (non-confirmed writes):
  Commit is Execute without the proposal: expected-state check, write,
  re-read, verify, ledger append, optional conversation save, one
  transaction.

SINKS:
  Committed events are handed to every Sink after the transaction commits.
  Sinks never influence the outcome.

SEE ALSO:
  - ledger.go: Chain rules enforced on append
  - errors.go: Guard error taxonomy
*/
package finance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultConfirmationTTL is how long a proposal waits for confirmation.
const DefaultConfirmationTTL = 10 * time.Minute

// Sink receives committed ledger events.
type Sink interface {
	EventCommitted(ctx context.Context, userID string, e Event)
}

// =============================================================================
// GUARD
// =============================================================================

type Guard struct {
	store  TxStore
	sinks  []Sink
	now    func() time.Time
	ttl    time.Duration
	logger *slog.Logger
}

type GuardOption func(*Guard)

func WithSinks(sinks ...Sink) GuardOption {
	return func(g *Guard) { g.sinks = append(g.sinks, sinks...) }
}

func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithConfirmationTTL sets the proposal lifetime. Zero disables expiry.
func WithConfirmationTTL(d time.Duration) GuardOption {
	return func(g *Guard) { g.ttl = d }
}

func WithLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(store TxStore, opts ...GuardOption) *Guard {
	g := &Guard{
		store:  store,
		now:    time.Now,
		ttl:    DefaultConfirmationTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Now() time.Time { return g.now() }

func (g *Guard) TTL() time.Duration { return g.ttl }

// =============================================================================
// COMMIT
// =============================================================================

// Mutation is a computed change to commit.
type Mutation struct {
	Kind        EventKind
	Amount      decimal.NullDecimal
	Description string
	// Expected is the state the change was computed from.
	Expected FinancialState
	Next     FinancialState
	// Verify is an extra post-condition on the re-read state.
	Verify func(FinancialState) error
	// Conversation, when set, is saved in the same transaction.
	Conversation *ConversationState
}

// Commit executes and verifies m in one transaction and appends its ledger
// entry. Nothing is written when it returns an error.
func (g *Guard) Commit(ctx context.Context, userID string, m Mutation) (Event, error) {
	if m.Kind == "" {
		return Event{}, fmt.Errorf("%w: mutation without a kind", ErrInvalidState)
	}

	var committed Event
	err := g.store.WithTx(ctx, func(s Store) error {
		before, err := s.LoadFinancialState(ctx, userID)
		if err != nil {
			return fmt.Errorf("load financial state: %w", err)
		}
		if !before.Equal(m.Expected) {
			return ErrConcurrentModification
		}

		now := g.now().UTC().Truncate(time.Second)
		next := m.Next
		next.UpdatedAt = now
		if err := next.Validate(); err != nil {
			return err
		}
		if err := s.SaveFinancialState(ctx, userID, next); err != nil {
			return fmt.Errorf("save financial state: %w", err)
		}

		after, err := s.LoadFinancialState(ctx, userID)
		if err != nil {
			return fmt.Errorf("re-read financial state: %w", err)
		}
		if !after.Equal(next) {
			return &VerificationError{UserID: userID, Operation: string(m.Kind), Reason: "stored state differs from written state"}
		}
		if m.Verify != nil {
			if err := m.Verify(after); err != nil {
				return &VerificationError{UserID: userID, Operation: string(m.Kind), Reason: err.Error()}
			}
		}

		e, err := NewLedger(s).Append(ctx, userID, Event{
			Kind:        m.Kind,
			Amount:      m.Amount,
			Description: m.Description,
			Timestamp:   now.Unix(),
			Before:      before,
			After:       after,
		})
		if err != nil {
			return err
		}

		if m.Conversation != nil {
			if err := s.SaveConversation(ctx, userID, *m.Conversation); err != nil {
				return fmt.Errorf("save conversation: %w", err)
			}
		}
		committed = e
		return nil
	})
	if err != nil {
		g.logger.Warn("Guarded mutation rolled back", "user", userID, "kind", m.Kind, "error", err)
		return Event{}, err
	}

	g.logger.Info("Guarded mutation committed", "user", userID, "kind", committed.Kind, "event_id", committed.ID)
	for _, sink := range g.sinks {
		sink.EventCommitted(ctx, userID, committed)
	}
	return committed, nil
}

// =============================================================================
// PROPOSE
// =============================================================================

// Proposal describes an operation that needs confirmation.
type Proposal struct {
	Operation Operation
	Amount    decimal.NullDecimal
	DeleteAll bool
	Strategy  string
}

// Propose records p as pending on the user's conversation. No financial
// state is written.
func (g *Guard) Propose(ctx context.Context, userID string, p Proposal) (ConversationState, error) {
	var conv ConversationState
	err := g.store.WithTx(ctx, func(s Store) error {
		fin, err := s.LoadFinancialState(ctx, userID)
		if err != nil {
			return err
		}
		conv, err = s.LoadConversation(ctx, userID)
		if err != nil {
			return err
		}

		switch p.Operation {
		case OpDeleteDebt:
			if !fin.HasDebt() {
				return ErrNoDebt
			}
		case OpSaveStrategy:
			if strings.TrimSpace(p.Strategy) == "" {
				return fmt.Errorf("%w: empty strategy", ErrInvalidState)
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownOperation, p.Operation)
		}

		conv = conv.ClearProposal()
		conv.AwaitingConfirmation = true
		conv.PendingOperation = p.Operation
		conv.PendingDeleteAmount = p.Amount
		conv.DeleteAll = p.DeleteAll
		conv.PendingStrategy = TruncateStrategy(strings.TrimSpace(p.Strategy))
		conv.ProposalID = uuid.NewString()
		conv.ProposedAt = g.now().UTC()
		return s.SaveConversation(ctx, userID, conv)
	})
	if err != nil {
		return ConversationState{}, err
	}
	g.logger.Info("Proposal recorded", "user", userID, "operation", p.Operation, "proposal_id", conv.ProposalID)
	return conv, nil
}

// =============================================================================
// RESOLVE
// =============================================================================

type ResolutionOutcome int

const (
	ResolutionPending ResolutionOutcome = iota
	ResolutionExecuted
	ResolutionFailed
	ResolutionCancelled
	ResolutionExpired
)

func (o ResolutionOutcome) String() string {
	switch o {
	case ResolutionExecuted:
		return "executed"
	case ResolutionFailed:
		return "failed"
	case ResolutionCancelled:
		return "cancelled"
	case ResolutionExpired:
		return "expired"
	}
	return "pending"
}

// Resolution reports what happened to a pending proposal.
type Resolution struct {
	Outcome    ResolutionOutcome
	Operation  Operation
	ProposalID string
	// Amount is the amount captured at propose time.
	Amount decimal.NullDecimal
	// Event is set when Outcome is ResolutionExecuted.
	Event Event
	// Err explains a ResolutionFailed.
	Err error
}

// Resolve applies the next utterance's signals to the pending proposal.
func (g *Guard) Resolve(ctx context.Context, userID string, confirmed, cancelled bool) (Resolution, error) {
	conv, err := g.store.LoadConversation(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	if !conv.AwaitingConfirmation {
		return Resolution{}, ErrNoPendingProposal
	}

	res := resolutionOf(conv)
	switch {
	case conv.Expired(g.now(), g.ttl):
		return g.clear(ctx, userID, conv, res, ResolutionExpired)
	case cancelled:
		return g.clear(ctx, userID, conv, res, ResolutionCancelled)
	case confirmed:
		return g.execute(ctx, userID, conv)
	}
	return res, nil
}

// ConfirmByID executes the pending proposal if its id matches.
func (g *Guard) ConfirmByID(ctx context.Context, userID, proposalID string) (Resolution, error) {
	conv, err := g.pendingByID(ctx, userID, proposalID)
	if err != nil {
		return Resolution{}, err
	}
	if conv.Expired(g.now(), g.ttl) {
		res, err := g.clear(ctx, userID, conv, resolutionOf(conv), ResolutionExpired)
		if err != nil {
			return res, err
		}
		return res, ErrProposalExpired
	}
	return g.execute(ctx, userID, conv)
}

// CancelByID clears the pending proposal if its id matches.
func (g *Guard) CancelByID(ctx context.Context, userID, proposalID string) (Resolution, error) {
	conv, err := g.pendingByID(ctx, userID, proposalID)
	if err != nil {
		return Resolution{}, err
	}
	return g.clear(ctx, userID, conv, resolutionOf(conv), ResolutionCancelled)
}

// ExpireStale clears the user's proposal if it outlived the TTL.
func (g *Guard) ExpireStale(ctx context.Context, userID string) (bool, error) {
	conv, err := g.store.LoadConversation(ctx, userID)
	if err != nil {
		return false, err
	}
	if !conv.Expired(g.now(), g.ttl) {
		return false, nil
	}
	if _, err := g.clear(ctx, userID, conv, resolutionOf(conv), ResolutionExpired); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Guard) pendingByID(ctx context.Context, userID, proposalID string) (ConversationState, error) {
	conv, err := g.store.LoadConversation(ctx, userID)
	if err != nil {
		return ConversationState{}, err
	}
	if !conv.AwaitingConfirmation || proposalID == "" || conv.ProposalID != proposalID {
		return ConversationState{}, ErrNoPendingProposal
	}
	return conv, nil
}

func (g *Guard) clear(ctx context.Context, userID string, conv ConversationState, res Resolution, outcome ResolutionOutcome) (Resolution, error) {
	if err := g.store.SaveConversation(ctx, userID, conv.ClearProposal()); err != nil {
		return Resolution{}, fmt.Errorf("clear proposal: %w", err)
	}
	res.Outcome = outcome
	g.logger.Info("Proposal cleared", "user", userID, "operation", res.Operation, "outcome", outcome)
	return res, nil
}

// execute runs the pending operation. The proposal is cleared whatever the
// outcome. Domain failures come back as ResolutionFailed with a nil error;
// storage failures are also returned as the error.
func (g *Guard) execute(ctx context.Context, userID string, conv ConversationState) (Resolution, error) {
	res := resolutionOf(conv)

	fin, err := g.store.LoadFinancialState(ctx, userID)
	if err != nil {
		return g.fail(ctx, userID, conv, res, err)
	}

	var m Mutation
	switch conv.PendingOperation {
	case OpDeleteDebt:
		if !fin.HasDebt() {
			return g.fail(ctx, userID, conv, res, ErrNoDebt)
		}
		kind := KindDebtRemoved
		if conv.DeleteAll {
			kind = KindDebtRemovedAll
		}
		reset := ConversationState{}
		m = Mutation{
			Kind:         kind,
			Amount:       fin.TotalDebt,
			Description:  fmt.Sprintf("debt of %s removed", fin.TotalDebt.Decimal.StringFixed(2)),
			Expected:     fin,
			Next:         fin.Reset(),
			Conversation: &reset,
			Verify: func(after FinancialState) error {
				if after.HasDebt() || after.Phase != PhaseUninitialized {
					return errors.New("debt still present after deletion")
				}
				return nil
			},
		}

	case OpSaveStrategy:
		want := conv.PendingStrategy
		cleared := conv.ClearProposal()
		m = Mutation{
			Kind:         KindStrategySaved,
			Description:  "strategy saved",
			Expected:     fin,
			Next:         fin.WithStrategy(want),
			Conversation: &cleared,
			Verify: func(after FinancialState) error {
				if after.Strategy != TruncateStrategy(want) {
					return errors.New("strategy not stored")
				}
				return nil
			},
		}

	default:
		return g.fail(ctx, userID, conv, res, fmt.Errorf("%w: %q", ErrUnknownOperation, conv.PendingOperation))
	}

	e, err := g.Commit(ctx, userID, m)
	if err != nil {
		return g.fail(ctx, userID, conv, res, err)
	}
	res.Outcome = ResolutionExecuted
	res.Event = e
	return res, nil
}

func (g *Guard) fail(ctx context.Context, userID string, conv ConversationState, res Resolution, cause error) (Resolution, error) {
	res.Outcome = ResolutionFailed
	res.Err = cause
	if err := g.store.SaveConversation(ctx, userID, conv.ClearProposal()); err != nil {
		return res, errors.Join(cause, fmt.Errorf("clear proposal: %w", err))
	}
	if isDomainFailure(cause) {
		return res, nil
	}
	return res, cause
}

func isDomainFailure(err error) bool {
	return errors.Is(err, ErrNoDebt) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrConcurrentModification) ||
		IsIntegrityError(err)
}

func resolutionOf(conv ConversationState) Resolution {
	return Resolution{
		Operation:  conv.PendingOperation,
		ProposalID: conv.ProposalID,
		Amount:     conv.PendingDeleteAmount,
	}
}
