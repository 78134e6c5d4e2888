package assistant

import (
	"regexp"
	"slices"
	"strings"
)

// Sentinel is a control token the model is instructed to emit.
type Sentinel string

const (
	// SentinelSaveStrategy: the user agreed to keep the strategy just
	// discussed.
	SentinelSaveStrategy Sentinel = "SAVE_STRATEGY"
	// SentinelConsultationDone: the model finished collecting the user's
	// numbers.
	SentinelConsultationDone Sentinel = "CONSULTATION_DONE"
)

var sentinelPattern = regexp.MustCompile(`(?i)\b(SAVE_STRATEGY|SALVAR_ESTRATEGIA|CONSULTATION[_ ]DONE|CONSULTORIA[_ ]FINALIZADA)\b`)

var blankRuns = regexp.MustCompile(`[ \t]{2,}`)

// ScanSentinels removes every sentinel token from text and reports which
// ones were present, in order of first appearance.
func ScanSentinels(text string) (string, []Sentinel) {
	var found []Sentinel
	for _, m := range sentinelPattern.FindAllString(text, -1) {
		s := canonical(m)
		if !slices.Contains(found, s) {
			found = append(found, s)
		}
	}
	if len(found) == 0 {
		return strings.TrimSpace(text), nil
	}

	clean := sentinelPattern.ReplaceAllString(text, "")
	lines := strings.Split(clean, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(blankRuns.ReplaceAllString(line, " "), " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), found
}

func canonical(token string) Sentinel {
	t := strings.ToUpper(strings.ReplaceAll(token, " ", "_"))
	switch t {
	case "SAVE_STRATEGY", "SALVAR_ESTRATEGIA":
		return SentinelSaveStrategy
	}
	return SentinelConsultationDone
}
