// Package content screens chat message text before it reaches the assistant.
//
// Every rule is a single linear pass over at most Rules.MaxLength runes:
// term lists go through Aho-Corasick automatons and links through an RE2
// expression, so analysis time is bounded regardless of input.
package content

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Reason names a triggered rule.
type Reason string

const (
	ReasonEmpty              Reason = "empty_message"
	ReasonTooLong            Reason = "too_long"
	ReasonBlockedTerm        Reason = "blocked_term"
	ReasonPromptInjection    Reason = "prompt_injection"
	ReasonSpamPhrase         Reason = "spam_phrase"
	ReasonRepeatedCharacters Reason = "repeated_characters"
	ReasonRepeatedPhrase     Reason = "repeated_phrase"
	ReasonExcessiveLinks     Reason = "excessive_links"
)

// Verdict is the outcome of analyzing one message.
type Verdict struct {
	IsSafe      bool     `json:"isSafe"`
	Reasons     []Reason `json:"reasons,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	// Matched lists the terms and phrases that fired, for diagnostics.
	Matched []string `json:"matched,omitempty"`
}

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)

// Analyzer applies a fixed Rules set. It is safe for concurrent use.
type Analyzer struct {
	rules      Rules
	blocked    *goahocorasick.Machine
	spam       *goahocorasick.Machine
	injections *goahocorasick.Machine
}

// NewAnalyzer compiles rules.
func NewAnalyzer(rules Rules) (*Analyzer, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{rules: rules}
	var err error
	if a.blocked, err = buildMachine(rules.BlockedTerms); err != nil {
		return nil, fmt.Errorf("blocked terms: %w", err)
	}
	if a.spam, err = buildMachine(rules.SpamPhrases); err != nil {
		return nil, fmt.Errorf("spam phrases: %w", err)
	}
	if a.injections, err = buildMachine(rules.InjectionMarkers); err != nil {
		return nil, fmt.Errorf("injection markers: %w", err)
	}
	return a, nil
}

// Rules returns the rule set the analyzer was built with.
func (a *Analyzer) Rules() Rules {
	return a.rules
}

// Analyze runs every rule over text. The result depends only on text and
// the rule set.
func (a *Analyzer) Analyze(text string) Verdict {
	var v Verdict
	flag := func(r Reason, matched ...string) {
		v.Reasons = append(v.Reasons, r)
		v.Suggestions = append(v.Suggestions, a.suggestion(r))
		v.Matched = append(v.Matched, matched...)
	}

	if strings.TrimSpace(text) == "" {
		flag(ReasonEmpty)
		v.IsSafe = false
		return v
	}
	if utf8.RuneCountInString(text) > a.rules.MaxLength {
		flag(ReasonTooLong)
		text = string([]rune(text)[:a.rules.MaxLength])
	}

	normalized := normalize(text)
	if hits := search(a.blocked, normalized); len(hits) > 0 {
		flag(ReasonBlockedTerm, hits...)
	}
	if hits := search(a.injections, normalized); len(hits) > 0 {
		flag(ReasonPromptInjection, hits...)
	}
	if hits := search(a.spam, normalized); len(hits) > 0 {
		flag(ReasonSpamPhrase, hits...)
	}
	if run := longestRun(text); run >= a.rules.MaxRepeatedChars {
		flag(ReasonRepeatedCharacters)
	}
	if phrase, n := mostRepeatedPair(normalized); n >= a.rules.MaxPhraseRepeats {
		flag(ReasonRepeatedPhrase, phrase)
	}
	if a.tooManyLinks(text) {
		flag(ReasonExcessiveLinks)
	}

	v.IsSafe = len(v.Reasons) == 0
	return v
}

func (a *Analyzer) tooManyLinks(text string) bool {
	links := linkPattern.FindAllStringIndex(text, -1)
	if len(links) == 0 {
		return false
	}
	if len(links) > a.rules.MaxLinks {
		return true
	}
	linkBytes := lo.SumBy(links, func(loc []int) int { return loc[1] - loc[0] })
	nonSpace := len(strings.Join(strings.Fields(text), ""))
	return nonSpace > 0 && float64(linkBytes)/float64(nonSpace) > a.rules.MaxLinkDensity
}

func (a *Analyzer) suggestion(r Reason) string {
	switch r {
	case ReasonEmpty:
		return "Type a message before sending."
	case ReasonTooLong:
		return fmt.Sprintf("Shorten your message to at most %d characters.", a.rules.MaxLength)
	case ReasonBlockedTerm:
		return "Remove offensive language and try again."
	case ReasonPromptInjection:
		return "Ask your question directly, without instructions aimed at the assistant."
	case ReasonSpamPhrase:
		return "Avoid promotional phrases."
	case ReasonRepeatedCharacters:
		return "Avoid long runs of the same character."
	case ReasonRepeatedPhrase:
		return "Avoid repeating the same phrase."
	case ReasonExcessiveLinks:
		return fmt.Sprintf("Include at most %d links and some text of your own.", a.rules.MaxLinks)
	}
	return ""
}

// normalize lowercases text, folds every non letter/digit rune to a space,
// collapses runs of spaces and pads the result with one space on each side.
func normalize(text string) []rune {
	out := make([]rune, 0, len(text)+2)
	out = append(out, ' ')
	for _, r := range strings.ToLower(text) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			r = ' '
		}
		if r == ' ' && out[len(out)-1] == ' ' {
			continue
		}
		out = append(out, r)
	}
	if out[len(out)-1] != ' ' {
		out = append(out, ' ')
	}
	return out
}

func buildMachine(terms []string) (*goahocorasick.Machine, error) {
	patterns := lo.Uniq(lo.FilterMap(terms, func(term string, _ int) (string, bool) {
		n := string(normalize(term))
		return n, strings.TrimSpace(n) != ""
	}))
	if len(patterns) == 0 {
		return nil, nil
	}
	sort.Strings(patterns)
	m := new(goahocorasick.Machine)
	dict := lo.Map(patterns, func(p string, _ int) []rune { return []rune(p) })
	if err := m.Build(dict); err != nil {
		return nil, err
	}
	return m, nil
}

func search(m *goahocorasick.Machine, normalized []rune) []string {
	if m == nil {
		return nil
	}
	terms := m.MultiPatternSearch(normalized, false)
	return lo.Uniq(lo.Map(terms, func(t *goahocorasick.Term, _ int) string {
		return strings.TrimSpace(string(t.Word))
	}))
}

func longestRun(text string) int {
	longest, run := 0, 0
	var prev rune
	for i, r := range text {
		if i > 0 && r == prev && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
		}
		prev = r
		if run > longest {
			longest = run
		}
	}
	return longest
}

// mostRepeatedPair returns the adjacent word pair that occurs most often.
// Ties go to the pair seen first.
func mostRepeatedPair(normalized []rune) (string, int) {
	words := strings.Fields(string(normalized))
	if len(words) < 2 {
		return "", 0
	}
	counts := make(map[string]int, len(words))
	best, bestN := "", 0
	for i := 0; i+1 < len(words); i++ {
		pair := words[i] + " " + words[i+1]
		counts[pair]++
		if counts[pair] > bestN {
			best, bestN = pair, counts[pair]
		}
	}
	return best, bestN
}
