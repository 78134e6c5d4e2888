/*
extract.go - Deterministic signal extraction from one utterance

PURPOSE:
  Extract scans a user utterance and reports typed signals: financial intent,
  the first amount, urgency, a normalized duration, the monthly income and
  expenses, delete/confirm/cancel intents and the read-back intents. It has no state and no side effects;
  the same table and utterance always give the same Signals.

DURATION NORMALIZATION:
  "<n> <unit>" phrases become whole months with a lossy floor policy:
    days   -> max(1, n / 30)
    weeks  -> max(1, n * 7 / 30)
    months -> n
  A zero count, or one above MaxDurationMonths once normalized, yields no
  duration. Bounds are checked before any multiplication.

AMOUNTS:
  Numbers matched by the table's amount pattern, with "," or "." as decimal
  separator. A number that belongs to a duration phrase is never an amount
  ("pay 1200 in 6 months" yields 1200, not 6). Each number is labelled by the
  closest keyword before it: an income or expenses keyword makes it that
  figure, anything else (or nothing) makes it a debt amount. The first
  number of each label wins.

CONFIRM AND CANCEL:
  A cancel keyword only counts when it opens the reply or the reply is at
  most shortReplyWords words, so "I don't know" is not a refusal. An unsure
  reply ("not sure", "no idea") is neither a confirmation nor a cancel.

SEE ALSO:
  - table.go: Keyword sets and patterns
*/
package intent

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Urgency is the urgency level carried by an utterance.
type Urgency string

const (
	UrgencyNone    Urgency = ""
	UrgencyLate    Urgency = "late"
	UrgencyDueSoon Urgency = "due-soon"
)

// MaxDurationMonths bounds a normalized duration; larger phrases are ignored.
const MaxDurationMonths = 600

// shortReplyWords is the longest reply in which a cancel keyword counts
// anywhere.
const shortReplyWords = 4

// Signals is everything the orchestrator learns from one utterance.
type Signals struct {
	FinancialIntent bool
	Amount          decimal.NullDecimal
	Urgency         Urgency
	// DurationMonths is 0 when no duration phrase was found.
	DurationMonths int
	Income         decimal.NullDecimal
	Expenses       decimal.NullDecimal

	DeleteIntent       bool
	DeleteAll          bool
	ConfirmationGiven  bool
	CancelGiven        bool
	ReadIntent         bool
	HistoryIntent      bool
	SaveStrategyIntent bool
	PaidOffIntent      bool
}

// HasDuration reports whether a positive duration was found.
func (s Signals) HasDuration() bool { return s.DurationMonths > 0 }

// Extract runs the table over an utterance.
func (t *Table) Extract(utterance string) Signals {
	text := Fold(utterance)

	var s Signals
	s.FinancialIntent = t.Match(SetFinancial, text)

	switch {
	case t.Match(SetUrgencyLate, text):
		s.Urgency = UrgencyLate
	case t.Match(SetUrgencyDueSoon, text):
		s.Urgency = UrgencyDueSoon
	}

	months, start, end := t.durationMonths(text)
	s.DurationMonths = months
	for _, f := range t.figures(text, start, end) {
		var slot *decimal.NullDecimal
		switch t.label(text, f.at) {
		case SetIncome:
			slot = &s.Income
		case SetExpenses:
			slot = &s.Expenses
		default:
			slot = &s.Amount
		}
		if !slot.Valid {
			*slot = decimal.NewNullDecimal(f.value)
		}
	}

	s.DeleteIntent = t.Match(SetDeleteVerbs, text) && t.Match(SetDebtNouns, text)
	s.DeleteAll = s.DeleteIntent && t.Match(SetAllQuantifiers, text)
	if !t.Match(SetUnsure, text) {
		s.ConfirmationGiven = t.Match(SetConfirm, text)
		s.CancelGiven = t.Leads(SetCancel, text) ||
			(wordCount(text) <= shortReplyWords && t.Match(SetCancel, text))
	}
	s.ReadIntent = t.Match(SetRead, text)
	s.HistoryIntent = t.Match(SetHistory, text)
	s.SaveStrategyIntent = t.Match(SetSaveVerbs, text) && t.Match(SetStrategyNouns, text)
	s.PaidOffIntent = t.Match(SetPaidOff, text)

	return s
}

// durationMonths returns the normalized months of the first duration phrase
// and the byte span of its number (-1, -1 when absent).
func (t *Table) durationMonths(text string) (int, int, int) {
	m := t.duration.FindStringSubmatchIndex(text)
	if m == nil {
		return 0, -1, -1
	}
	n, err := strconv.Atoi(text[m[2]:m[3]])
	if err != nil || n <= 0 {
		return 0, m[2], m[3]
	}
	switch t.units[text[m[4]:m[5]]] {
	case UnitDay:
		if n > MaxDurationMonths*30 {
			return 0, m[2], m[3]
		}
		return max(1, n/30), m[2], m[3]
	case UnitWeek:
		if n > MaxDurationMonths*30/7 {
			return 0, m[2], m[3]
		}
		return max(1, n*7/30), m[2], m[3]
	default:
		if n > MaxDurationMonths {
			return 0, m[2], m[3]
		}
		return n, m[2], m[3]
	}
}

type figure struct {
	at    int
	value decimal.Decimal
}

// figures lists the numbers of the text in order, skipping the span of the
// duration number.
func (t *Table) figures(text string, skipStart, skipEnd int) []figure {
	var out []figure
	for _, m := range t.amount.FindAllStringSubmatchIndex(text, -1) {
		if m[2] < 0 {
			continue
		}
		if m[2] == skipStart && m[3] == skipEnd {
			continue
		}
		raw := strings.ReplaceAll(text[m[2]:m[3]], ",", ".")
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out = append(out, figure{at: m[2], value: d})
	}
	return out
}

// label names the set whose keyword sits closest before pos: SetIncome,
// SetExpenses or SetFinancial (the default).
func (t *Table) label(text string, pos int) Set {
	debt := max(t.lastBefore(SetFinancial, text, pos), t.lastBefore(SetDebtNouns, text, pos))
	income := t.lastBefore(SetIncome, text, pos)
	expenses := t.lastBefore(SetExpenses, text, pos)
	switch {
	case income > debt && income > expenses:
		return SetIncome
	case expenses > debt && expenses > income:
		return SetExpenses
	default:
		return SetFinancial
	}
}

func wordCount(text string) int {
	return len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	}))
}
