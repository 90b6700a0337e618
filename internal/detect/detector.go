// Package detect classifies raw terminal output into an actionable prompt.
//
// Classification is pattern-based and deterministic: an ordered list of
// (predicate, builder) rules is evaluated against the ANSI-stripped tail of
// the capture, and the first rule that matches wins. Later rules assume the
// earlier ones did not match, so precedence lives in the rule order, not in
// nested conditionals.
package detect

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// ActionType is the classified kind of prompt found in terminal output.
type ActionType string

const (
	ActionMultiChoice    ActionType = "multi_choice"
	ActionYesNo          ActionType = "yes_no"
	ActionTextInput      ActionType = "text_input"
	ActionPlanReview     ActionType = "plan_review"
	ActionError          ActionType = "error"
	ActionNeedsAttention ActionType = "needs_attention"
)

// Option is one selectable entry of a multi-choice prompt.
type Option struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// Action is the classifier output. It is ephemeral: produced fresh per
// snapshot and never persisted.
type Action struct {
	Type       ActionType `json:"type"`
	Question   string     `json:"question,omitempty"`
	Options    []Option   `json:"options,omitempty"`
	Confidence float64    `json:"confidence"`
	Context    string     `json:"context,omitempty"`
}

// scanWindow is how many trailing lines of the capture are considered.
const scanWindow = 60

type rule struct {
	name  ActionType
	match func(lines []string) *Action
}

// Rule order is the precedence order. plan_review runs before yes_no so a
// plan prompt's (y/n) suffix is not misclassified as a bare confirmation.
var rules = []rule{
	{ActionMultiChoice, matchMultiChoice},
	{ActionPlanReview, matchPlanReview},
	{ActionYesNo, matchYesNo},
	{ActionError, matchError},
	{ActionTextInput, matchTextInput},
	{ActionNeedsAttention, matchNeedsAttention},
}

// Classify inspects terminal output and returns the detected action, or nil
// when nothing in the text calls for operator attention. It never fails;
// unmatched input is simply no action.
func Classify(text string) *Action {
	lines := tailLines(text, scanWindow)
	if len(lines) == 0 {
		return nil
	}

	for _, r := range rules {
		if action := r.match(lines); action != nil {
			action.Context = strings.Join(tail(lines, 10), "\n")
			return action
		}
	}
	return nil
}

// BuildResponse converts an operator's choice into the exact text sent back
// to the session. Yes/no style prompts normalize to a single y or n; choice
// and free-form prompts pass the literal choice through.
func BuildResponse(action *Action, choice string) string {
	if action == nil {
		return choice
	}
	switch action.Type {
	case ActionYesNo, ActionPlanReview:
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(choice)), "y") {
			return "y"
		}
		return "n"
	default:
		return choice
	}
}

// --- rule: multi_choice ---

var (
	numberedRe = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.+?)\s*$`)
	questionRe = regexp.MustCompile(`[?:]\s*$`)
	selectRe   = regexp.MustCompile(`(?i)\b(select|choose|which|pick)\b`)
)

// matchMultiChoice finds a contiguous run of at least two "N. <label>" lines,
// scanning bottom-up, and anchors a backward search for the question on the
// topmost line of the run.
func matchMultiChoice(lines []string) *Action {
	// Find the bottom-most numbered line, skipping trailing non-option
	// lines (a prompt like "Select an option:" often follows the list).
	bottom := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if numberedRe.MatchString(lines[i]) {
			bottom = i
			break
		}
	}
	if bottom < 0 {
		return nil
	}

	top := bottom
	for top > 0 && numberedRe.MatchString(lines[top-1]) {
		top--
	}
	if bottom-top+1 < 2 {
		return nil
	}

	var options []Option
	for i := top; i <= bottom; i++ {
		m := numberedRe.FindStringSubmatch(lines[i])
		options = append(options, Option{Key: m[1], Label: m[2]})
	}

	// Question search: the prompt may sit above the run or trail below it.
	question := ""
	for i := bottom + 1; i < len(lines); i++ {
		if t := strings.TrimSpace(lines[i]); t != "" && (questionRe.MatchString(t) || selectRe.MatchString(t)) {
			question = t
			break
		}
	}
	if question == "" {
		for i := top - 1; i >= 0 && i >= top-8; i-- {
			t := strings.TrimSpace(lines[i])
			if t == "" {
				continue
			}
			if questionRe.MatchString(t) || selectRe.MatchString(t) {
				question = t
				break
			}
		}
	}

	confidence := 0.7
	if question != "" {
		confidence = 0.9
	}
	return &Action{Type: ActionMultiChoice, Question: question, Options: options, Confidence: confidence}
}

// --- rule: plan_review ---

var (
	planRe       = regexp.MustCompile(`(?i)\bplan\b`)
	loneDecision = regexp.MustCompile(`(?i)^\s*(?:\d+[.)]\s*)?(allow|deny|approve|reject|yes|no)\s*$`)
	ynTokenRe    = regexp.MustCompile(`(?i)\(?\by\s*/\s*n\b\)?`)
)

// matchPlanReview requires a plan keyword in the last 30 lines and a decision
// cue in the last 12. Evaluated before yes_no by rule order.
func matchPlanReview(lines []string) *Action {
	planWindow := tail(lines, 30)
	hasPlan := false
	for _, line := range planWindow {
		if planRe.MatchString(line) {
			hasPlan = true
			break
		}
	}
	if !hasPlan {
		return nil
	}

	cueWindow := tail(lines, 12)
	explicitOption := false
	hasCue := false
	for _, line := range cueWindow {
		switch {
		case loneDecision.MatchString(line):
			explicitOption = true
			hasCue = true
		case strings.Contains(strings.ToLower(line), "[y]") && strings.Contains(strings.ToLower(line), "[n]"):
			explicitOption = true
			hasCue = true
		case ynTokenRe.MatchString(line):
			hasCue = true
		}
	}
	if !hasCue {
		return nil
	}

	confidence := 0.8
	if explicitOption {
		confidence = 0.9
	}
	return &Action{Type: ActionPlanReview, Question: nearestQuestion(cueWindow), Confidence: confidence}
}

// --- rule: yes_no ---

var confirmRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)proceed\?\s*\(y/n\)`),
	regexp.MustCompile(`(?i)continue\?\s*\(y/n\)`),
	regexp.MustCompile(`(?i)are you sure.*\?`),
	regexp.MustCompile(`(?i)do you want to\b.*\?`),
	regexp.MustCompile(`(?i)\(y/n\)`),
	regexp.MustCompile(`(?i)\[y/n\]`),
	regexp.MustCompile(`(?i)\byes/no\b`),
}

func matchYesNo(lines []string) *Action {
	window := tail(lines, 10)
	matched := false
	for _, line := range window {
		for _, re := range confirmRes {
			if re.MatchString(line) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if !matched {
		return nil
	}
	return &Action{Type: ActionYesNo, Question: nearestQuestion(window), Confidence: 0.85}
}

// --- rule: error ---

var errorRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror:`),
	regexp.MustCompile(`(?i)\btraceback\b`),
	regexp.MustCompile(`(?i)\bpanic:`),
	regexp.MustCompile(`(?i)\bfatal:`),
	regexp.MustCompile(`(?i)\bexception\b`),
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)permission denied`),
}

func matchError(lines []string) *Action {
	window := tail(lines, 20)
	for _, line := range window {
		for _, re := range errorRes {
			if re.MatchString(line) {
				question := strings.TrimSpace(line)
				if len(question) > 100 {
					question = question[:100]
				}
				return &Action{Type: ActionError, Question: question, Confidence: 0.8}
			}
		}
	}
	return nil
}

// --- rule: text_input ---

var (
	promptVerbRe = regexp.MustCompile(`(?i)\b(enter|type|provide)\b`)
	whatRe       = regexp.MustCompile(`(?i)\bwhat (is|should|would)\b.*\?`)
)

// matchTextInput carries the lowest real confidence because free-form
// prompts are ambiguous.
func matchTextInput(lines []string) *Action {
	window := tail(lines, 5)
	for i := len(window) - 1; i >= 0; i-- {
		t := strings.TrimSpace(window[i])
		if t == "" {
			continue
		}
		if strings.HasSuffix(t, ">") || promptVerbRe.MatchString(t) || whatRe.MatchString(t) {
			question := ""
			if t != ">" {
				question = t
			}
			return &Action{Type: ActionTextInput, Question: question, Confidence: 0.6}
		}
	}
	return nil
}

// --- rule: needs_attention (fallback) ---

var attentionRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwaiting\b`),
	regexp.MustCompile(`(?i)press any key`),
	regexp.MustCompile(`(?i)select an option`),
	regexp.MustCompile(`(?i)\bawaiting\b`),
}

func matchNeedsAttention(lines []string) *Action {
	window := tail(lines, 10)
	for i := len(window) - 1; i >= 0; i-- {
		for _, re := range attentionRes {
			if re.MatchString(window[i]) {
				return &Action{Type: ActionNeedsAttention, Question: strings.TrimSpace(window[i]), Confidence: 0.5}
			}
		}
	}
	return nil
}

// --- helpers ---

// tailLines strips ANSI escapes, splits, and keeps the last n lines.
func tailLines(text string, n int) []string {
	clean := ansi.Strip(text)
	clean = strings.TrimRight(clean, "\n")
	if strings.TrimSpace(clean) == "" {
		return nil
	}
	lines := strings.Split(clean, "\n")
	return tail(lines, n)
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// nearestQuestion returns the bottom-most line in the window ending in a
// question mark or colon.
func nearestQuestion(window []string) string {
	for i := len(window) - 1; i >= 0; i-- {
		t := strings.TrimSpace(window[i])
		if t != "" && questionRe.MatchString(t) {
			return t
		}
	}
	return ""
}
