/*
table.go - Versioned keyword and pattern table for intent extraction

PURPOSE:
  Every trigger phrase the extractor reacts to lives in a YAML data asset,
  not in Go literals. The default table (table.yaml, version v2) is embedded
  in the binary; deployments can point intent.table_path at their own file.
  Tests enumerate the exact phrases of a set through Keywords().

MATCHING RULES:
  - utterance and keywords are accent-folded and lower-cased (see fold.go)
  - keywords match on word boundaries
  - a trailing "*" lets the last word continue (prefix match)
  - multi-word keywords match as phrases, any whitespace between words
  - Leads() only accepts a keyword at the start of the utterance

SETS:
  financial, urgency_late, urgency_due_soon, read, history, delete_verbs,
  debt_nouns, all_quantifiers, confirm, cancel, save_verbs, strategy_nouns,
  paid_off. All are required; an override file must define every one.
  income, expenses and unsure are optional: a table without them never
  reports a profile figure or an unsure reply.

SEE ALSO:
  - extract.go: Turns a table plus an utterance into Signals
  - watch.go: Hot reload of an override file
*/
package intent

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed table.yaml
var defaultTableYAML []byte

// Set names a keyword set of the table.
type Set string

const (
	SetFinancial      Set = "financial"
	SetUrgencyLate    Set = "urgency_late"
	SetUrgencyDueSoon Set = "urgency_due_soon"
	SetRead           Set = "read"
	SetHistory        Set = "history"
	SetDeleteVerbs    Set = "delete_verbs"
	SetDebtNouns      Set = "debt_nouns"
	SetAllQuantifiers Set = "all_quantifiers"
	SetConfirm        Set = "confirm"
	SetCancel         Set = "cancel"
	SetSaveVerbs      Set = "save_verbs"
	SetStrategyNouns  Set = "strategy_nouns"
	SetPaidOff        Set = "paid_off"

	SetIncome   Set = "income"
	SetExpenses Set = "expenses"
	SetUnsure   Set = "unsure"
)

// RequiredSets lists every set a table must define.
var RequiredSets = []Set{
	SetFinancial, SetUrgencyLate, SetUrgencyDueSoon, SetRead, SetHistory,
	SetDeleteVerbs, SetDebtNouns, SetAllQuantifiers, SetConfirm, SetCancel,
	SetSaveVerbs, SetStrategyNouns, SetPaidOff,
}

// OptionalSets are compiled when present and never match when absent.
var OptionalSets = []Set{SetIncome, SetExpenses, SetUnsure}

// Unit is a duration unit recognized in "<number> <unit>" phrases.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
)

// =============================================================================
// TABLE
// =============================================================================

// Table is a compiled keyword table. It is immutable once built and safe
// for concurrent use.
type Table struct {
	Version string

	keywords map[Set][]string
	matchers map[Set]*regexp.Regexp
	leading  map[Set]*regexp.Regexp
	units    map[string]Unit
	duration *regexp.Regexp
	amount   *regexp.Regexp
}

type tableFile struct {
	Version       string              `yaml:"version"`
	Keywords      map[string][]string `yaml:"keywords"`
	Units         map[string][]string `yaml:"units"`
	AmountPattern string              `yaml:"amount_pattern"`
}

// DefaultTable returns the embedded table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("intent: embedded table is invalid: %v", err))
	}
	return t
}

// LoadTable reads and compiles a table from a YAML file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read intent table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("intent table %s: %w", path, err)
	}
	return t, nil
}

// ParseTable compiles a table from YAML bytes.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("version is required")
	}

	t := &Table{
		Version:  f.Version,
		keywords: make(map[Set][]string),
		matchers: make(map[Set]*regexp.Regexp),
		leading:  make(map[Set]*regexp.Regexp),
		units:    make(map[string]Unit),
	}

	for _, set := range RequiredSets {
		if len(f.Keywords[string(set)]) == 0 {
			return nil, fmt.Errorf("keyword set %q is missing or empty", set)
		}
	}
	for _, set := range append(append([]Set(nil), RequiredSets...), OptionalSets...) {
		words := f.Keywords[string(set)]
		if len(words) == 0 {
			continue
		}
		alts, err := alternation(words)
		if err != nil {
			return nil, fmt.Errorf("keyword set %q: %w", set, err)
		}
		t.keywords[set] = append([]string(nil), words...)
		t.matchers[set] = regexp.MustCompile(`(?:^|[^\pL\pN])(?:` + alts + `)(?:[^\pL\pN]|$)`)
		t.leading[set] = regexp.MustCompile(`^[^\pL\pN]*(?:` + alts + `)(?:[^\pL\pN]|$)`)
	}

	var unitWords []string
	for _, u := range []Unit{UnitDay, UnitWeek, UnitMonth} {
		words := f.Units[string(u)]
		if len(words) == 0 {
			return nil, fmt.Errorf("unit %q has no words", u)
		}
		for _, w := range words {
			w = Fold(w)
			t.units[w] = u
			unitWords = append(unitWords, regexp.QuoteMeta(w))
		}
	}
	// Longest first so "days" is preferred over "day".
	sort.Slice(unitWords, func(i, j int) bool { return len(unitWords[i]) > len(unitWords[j]) })
	t.duration = regexp.MustCompile(`(?:^|[^\pL\pN])(\d+)\s*(` + strings.Join(unitWords, "|") + `)(?:[^\pL\pN]|$)`)

	if f.AmountPattern == "" {
		return nil, fmt.Errorf("amount_pattern is required")
	}
	amount, err := regexp.Compile(f.AmountPattern)
	if err != nil {
		return nil, fmt.Errorf("amount_pattern: %w", err)
	}
	if amount.NumSubexp() < 1 {
		return nil, fmt.Errorf("amount_pattern needs one capture group")
	}
	t.amount = amount

	return t, nil
}

// Keywords returns the raw keywords of a set, in table order.
func (t *Table) Keywords(set Set) []string {
	return append([]string(nil), t.keywords[set]...)
}

// Match reports whether the folded text contains any keyword of the set.
func (t *Table) Match(set Set, folded string) bool {
	re, ok := t.matchers[set]
	return ok && re.MatchString(folded)
}

// Leads reports whether the folded text starts with a keyword of the set.
func (t *Table) Leads(set Set, folded string) bool {
	re, ok := t.leading[set]
	return ok && re.MatchString(folded)
}

// lastBefore returns the offset of the last keyword of the set that starts
// before pos, or -1.
func (t *Table) lastBefore(set Set, folded string, pos int) int {
	re, ok := t.matchers[set]
	if !ok {
		return -1
	}
	last := -1
	for _, m := range re.FindAllStringIndex(folded[:pos], -1) {
		last = m[0]
	}
	return last
}

// alternation folds and quotes the keywords of one set.
func alternation(words []string) (string, error) {
	alts := make([]string, 0, len(words))
	for _, w := range words {
		w = Fold(strings.TrimSpace(w))
		prefix := strings.HasSuffix(w, "*")
		w = strings.TrimSuffix(w, "*")
		if w == "" {
			return "", fmt.Errorf("empty keyword")
		}
		parts := strings.Fields(w)
		for i, p := range parts {
			parts[i] = regexp.QuoteMeta(p)
		}
		alt := strings.Join(parts, `\s+`)
		if prefix {
			alt += `[\pL\pN]*`
		}
		alts = append(alts, alt)
	}
	joined := strings.Join(alts, "|")
	if _, err := regexp.Compile(joined); err != nil {
		return "", err
	}
	return joined, nil
}
