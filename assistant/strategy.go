package assistant

import (
	"regexp"
	"slices"
	"strings"

	"github.com/lifeos/decision-engine/finance"
)

// Strategy extraction pulls the numbered plan out of the assistant's recent
// messages so the user can keep it. Chatter around the plan (intros, the
// closing question, sentinels, markdown emphasis) is dropped.

const (
	maxStrategySections = 4
	minStrategyLength   = 100
)

var strategyNoise = []*regexp.Regexp{
	// Intro lines: "Here is your personalized plan:", "Com base nas ... personalizada:".
	regexp.MustCompile(`(?im)^[ \t]*(based on|here is|here's|com base|aqui est[aá])[^\n]*:[ \t]*$`),
	// Closing questions.
	regexp.MustCompile(`(?im)^[^\n]*(any questions about the plan|ficou alguma d[uú]vida)[^\n]*\?[ \t]*$`),
	regexp.MustCompile(`(?i)^\s*(perfect|perfeito)!\s*`),
}

var (
	sectionStart = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]+`)
	emphasis     = regexp.MustCompile(`\*\*|__`)
)

// ExtractStrategy returns the strategy found in msgs (oldest first), or ""
// when none of them holds a numbered plan. The newest message with
// numbered sections wins; at most four sections are kept.
func ExtractStrategy(msgs []finance.Message) string {
	var best string
	for i := len(msgs) - 1; i >= 0 && best == ""; i-- {
		if msgs[i].Role != finance.RoleAssistant {
			continue
		}
		best = strings.Join(sections(cleanStrategyText(msgs[i].Content)), "\n\n")
	}

	if len(best) < minStrategyLength {
		// Fall back to everything after the first "1." of a recent message.
		for i := len(msgs) - 1; i >= 0 && i >= len(msgs)-3; i-- {
			if msgs[i].Role != finance.RoleAssistant {
				continue
			}
			text := cleanStrategyText(msgs[i].Content)
			if loc := sectionStart.FindStringIndex(text); loc != nil && len(text[loc[0]:]) > len(best) {
				best = strings.TrimSpace(text[loc[0]:])
				break
			}
		}
	}

	return finance.TruncateStrategy(strings.TrimSpace(best))
}

func cleanStrategyText(text string) string {
	text, _ = ScanSentinels(text)
	text = emphasis.ReplaceAllString(text, "")
	for _, re := range strategyNoise {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

func sections(text string) []string {
	starts := sectionStart.FindAllStringIndex(text, -1)
	var out []string
	for i, loc := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		s := strings.TrimSpace(text[loc[0]:end])
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
		if len(out) == maxStrategySections {
			break
		}
	}
	return out
}
