/*
Package finance holds the debt-payoff domain: the per-user FinancialState,
the conversation slot memory, the phase engine, the append-only event ledger
and the MutationGuard that is the only writer of the first and the last.

KEY CONCEPTS IN THIS FILE (types.go):
  - Phase: ordinal stage of a payoff strategy, 0 (none) through 5 (cleared)
  - FinancialState: the singleton plan of one user
  - Pace: monthly/daily amounts derived from total debt and target months
  - Budget: optional monthly income and expenses, and what is left of them

DERIVED FIELDS:
  MonthlyPace and DailyPace are never set directly. Every With* method calls
  derive(), so the pair is present exactly when TotalDebt and TargetMonths
  are both present, and always equals total/months and monthly/30.

RESET:
  Clearing the debt is a full reset, income and expenses included. There is
  no partial edit that leaves a timeline or a pace without a debt.

PRECISION:
  Amounts use decimal.Decimal. Division uses the package default precision,
  so 1200/6/30 is 6.6666666666666667 every time it is computed.

SEE ALSO:
  - ledger.go: Snapshots of this type before and after each mutation
  - guard.go: The only writer
*/
package finance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PHASE
// =============================================================================

type Phase int

const (
	PhaseUninitialized  Phase = 0
	PhaseStopBleeding   Phase = 1
	PhaseDefineDeadline Phase = 2
	PhaseComputePace    Phase = 3
	PhaseExecute        Phase = 4
	PhaseCleared        Phase = 5
)

var phaseLabels = map[Phase]string{
	PhaseUninitialized:  "",
	PhaseStopBleeding:   "Stop the bleeding",
	PhaseDefineDeadline: "Define total and deadline",
	PhaseComputePace:    "Compute pace",
	PhaseExecute:        "Execute and repeat",
	PhaseCleared:        "Debt cleared",
}

// Label is the default focus text of a phase.
func (p Phase) Label() string { return phaseLabels[p] }

func (p Phase) Valid() bool { return p >= PhaseUninitialized && p <= PhaseCleared }

func (p Phase) String() string {
	if p == PhaseUninitialized {
		return "0 (uninitialized)"
	}
	return fmt.Sprintf("%d (%s)", int(p), p.Label())
}

// DaysPerMonth converts a monthly pace to a daily one.
var DaysPerMonth = decimal.NewFromInt(30)

// MaxStrategyLength bounds a persisted strategy, including the "..." suffix.
const MaxStrategyLength = 1200

// =============================================================================
// FINANCIAL STATE
// =============================================================================

// FinancialState is one user's debt-payoff plan. The zero value is the
// lazily created, uninitialized state.
type FinancialState struct {
	Phase        Phase               `json:"phase"`
	TotalDebt    decimal.NullDecimal `json:"totalDebt"`
	TargetMonths *int                `json:"targetMonths"`
	MonthlyPace  decimal.NullDecimal `json:"monthlyPace"`
	DailyPace    decimal.NullDecimal `json:"dailyPace"`
	Focus        string              `json:"focus,omitempty"`
	Strategy     string              `json:"strategy,omitempty"`

	MonthlyIncome   decimal.NullDecimal `json:"monthlyIncome"`
	MonthlyExpenses decimal.NullDecimal `json:"monthlyExpenses"`

	UpdatedAt time.Time `json:"updatedAt"`
}

func (s FinancialState) HasDebt() bool { return s.TotalDebt.Valid }

func (s FinancialState) HasTimeline() bool { return s.TargetMonths != nil && *s.TargetMonths > 0 }

func (s FinancialState) HasPace() bool { return s.MonthlyPace.Valid && s.DailyPace.Valid }

func (s FinancialState) HasBudget() bool { return s.MonthlyIncome.Valid && s.MonthlyExpenses.Valid }

// Available is income minus expenses. It is negative when the user spends
// more than they earn, and invalid unless both figures are known.
func (s FinancialState) Available() decimal.NullDecimal {
	if !s.HasBudget() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(s.MonthlyIncome.Decimal.Sub(s.MonthlyExpenses.Decimal))
}

// Months returns the target months or 0.
func (s FinancialState) Months() int {
	if s.TargetMonths == nil {
		return 0
	}
	return *s.TargetMonths
}

// WithDebt returns a copy with the total debt set and paces re-derived.
func (s FinancialState) WithDebt(total decimal.Decimal) FinancialState {
	s.TotalDebt = decimal.NewNullDecimal(total)
	s.TargetMonths = cloneInt(s.TargetMonths)
	return s.derive()
}

// WithTargetMonths returns a copy with the timeline set and paces re-derived.
func (s FinancialState) WithTargetMonths(months int) FinancialState {
	s.TargetMonths = &months
	return s.derive()
}

// WithIncome returns a copy with the monthly income set.
func (s FinancialState) WithIncome(income decimal.Decimal) FinancialState {
	s.MonthlyIncome = decimal.NewNullDecimal(income)
	s.TargetMonths = cloneInt(s.TargetMonths)
	return s
}

// WithExpenses returns a copy with the monthly expenses set.
func (s FinancialState) WithExpenses(expenses decimal.Decimal) FinancialState {
	s.MonthlyExpenses = decimal.NewNullDecimal(expenses)
	s.TargetMonths = cloneInt(s.TargetMonths)
	return s
}

// WithPhase returns a copy in phase p with the focus set to the phase label.
func (s FinancialState) WithPhase(p Phase) FinancialState {
	s.Phase = p
	s.Focus = p.Label()
	s.TargetMonths = cloneInt(s.TargetMonths)
	return s
}

// WithStrategy returns a copy holding the strategy text, truncated to
// MaxStrategyLength.
func (s FinancialState) WithStrategy(text string) FinancialState {
	s.Strategy = TruncateStrategy(text)
	s.TargetMonths = cloneInt(s.TargetMonths)
	return s
}

// Reset returns the uninitialized state. Debt deletion is always a full reset.
func (s FinancialState) Reset() FinancialState {
	return FinancialState{UpdatedAt: s.UpdatedAt}
}

func (s FinancialState) derive() FinancialState {
	if s.TotalDebt.Valid && s.HasTimeline() {
		monthly := s.TotalDebt.Decimal.Div(decimal.NewFromInt(int64(*s.TargetMonths)))
		s.MonthlyPace = decimal.NewNullDecimal(monthly)
		s.DailyPace = decimal.NewNullDecimal(monthly.Div(DaysPerMonth))
	} else {
		s.MonthlyPace = decimal.NullDecimal{}
		s.DailyPace = decimal.NullDecimal{}
	}
	return s
}

// Validate checks the invariants every persisted state must hold.
func (s FinancialState) Validate() error {
	if !s.Phase.Valid() {
		return fmt.Errorf("%w: phase %d out of range", ErrInvalidState, s.Phase)
	}
	if s.TotalDebt.Valid && s.TotalDebt.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative total debt %s", ErrInvalidState, s.TotalDebt.Decimal)
	}
	if s.MonthlyIncome.Valid && s.MonthlyIncome.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative income %s", ErrInvalidState, s.MonthlyIncome.Decimal)
	}
	if s.MonthlyExpenses.Valid && s.MonthlyExpenses.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative expenses %s", ErrInvalidState, s.MonthlyExpenses.Decimal)
	}
	if s.TargetMonths != nil && *s.TargetMonths <= 0 {
		return fmt.Errorf("%w: target months must be positive, got %d", ErrInvalidState, *s.TargetMonths)
	}
	if !s.TotalDebt.Valid && s.Phase > PhaseStopBleeding {
		return fmt.Errorf("%w: phase %d without a debt", ErrInvalidState, s.Phase)
	}
	want := s.derive()
	if !nullEqual(want.MonthlyPace, s.MonthlyPace) || !nullEqual(want.DailyPace, s.DailyPace) {
		return fmt.Errorf("%w: pace does not match total and months", ErrInvalidState)
	}
	if len([]rune(s.Strategy)) > MaxStrategyLength {
		return fmt.Errorf("%w: strategy longer than %d characters", ErrInvalidState, MaxStrategyLength)
	}
	return nil
}

// SameContent compares every field except UpdatedAt.
func (s FinancialState) SameContent(o FinancialState) bool {
	return s.Phase == o.Phase &&
		nullEqual(s.TotalDebt, o.TotalDebt) &&
		s.Months() == o.Months() && (s.TargetMonths == nil) == (o.TargetMonths == nil) &&
		nullEqual(s.MonthlyPace, o.MonthlyPace) &&
		nullEqual(s.DailyPace, o.DailyPace) &&
		s.Focus == o.Focus &&
		s.Strategy == o.Strategy &&
		nullEqual(s.MonthlyIncome, o.MonthlyIncome) &&
		nullEqual(s.MonthlyExpenses, o.MonthlyExpenses)
}

// Equal compares every field, UpdatedAt included.
func (s FinancialState) Equal(o FinancialState) bool {
	return s.SameContent(o) && s.UpdatedAt.Equal(o.UpdatedAt)
}

// TruncateStrategy caps text at MaxStrategyLength runes, ending with "...".
func TruncateStrategy(text string) string {
	r := []rune(text)
	if len(r) <= MaxStrategyLength {
		return text
	}
	return string(r[:MaxStrategyLength-3]) + "..."
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
