package content

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Rules is the data the analyzer runs on. Term lists are matched as whole
// words, case-insensitively, after punctuation is folded to spaces.
type Rules struct {
	BlockedTerms     []string `mapstructure:"blocked_terms"`
	SpamPhrases      []string `mapstructure:"spam_phrases"`
	InjectionMarkers []string `mapstructure:"injection_markers"`

	// MaxRepeatedChars is the run length of one character that counts as spam.
	MaxRepeatedChars int `mapstructure:"max_repeated_chars"`
	// MaxPhraseRepeats is how often one word pair may occur before it counts as spam.
	MaxPhraseRepeats int `mapstructure:"max_phrase_repeats"`
	// MaxLinks is the largest allowed number of links.
	MaxLinks int `mapstructure:"max_links"`
	// MaxLinkDensity is the largest allowed share of the text taken by links.
	MaxLinkDensity float64 `mapstructure:"max_link_density"`
	// MaxLength caps the message in runes; longer text is flagged and only the
	// first MaxLength runes are scanned.
	MaxLength int `mapstructure:"max_length"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		BlockedTerms: []string{
			"fuck", "fucking", "motherfucker", "shit", "bitch", "cunt", "asshole", "dickhead", "retard",
		},
		SpamPhrases: []string{
			"buy now", "click here", "act now", "order now", "limited time offer", "free money",
			"100% free", "make money fast", "earn money from home", "work from home", "risk free",
			"guaranteed winner", "crypto giveaway", "casino bonus", "cheap viagra", "best price",
			"special promotion", "double your money",
		},
		InjectionMarkers: []string{
			"ignore previous instructions", "ignore all previous instructions",
			"ignore the above instructions", "disregard previous instructions",
			"disregard all prior instructions", "forget your instructions",
			"reveal your system prompt", "show me your system prompt", "system prompt",
			"developer mode", "jailbreak", "do anything now",
		},
		MaxRepeatedChars: 8,
		MaxPhraseRepeats: 3,
		MaxLinks:         2,
		MaxLinkDensity:   0.5,
		MaxLength:        2000,
	}
}

// Validate reports rule sets the analyzer cannot run.
func (r Rules) Validate() error {
	var errs []error
	if r.MaxRepeatedChars < 2 {
		errs = append(errs, fmt.Errorf("max_repeated_chars must be at least 2, got %d", r.MaxRepeatedChars))
	}
	if r.MaxPhraseRepeats < 2 {
		errs = append(errs, fmt.Errorf("max_phrase_repeats must be at least 2, got %d", r.MaxPhraseRepeats))
	}
	if r.MaxLinks < 0 {
		errs = append(errs, fmt.Errorf("max_links must not be negative, got %d", r.MaxLinks))
	}
	if r.MaxLinkDensity <= 0 || r.MaxLinkDensity > 1 {
		errs = append(errs, fmt.Errorf("max_link_density must be in (0,1], got %v", r.MaxLinkDensity))
	}
	if r.MaxLength <= 0 {
		errs = append(errs, fmt.Errorf("max_length must be positive, got %d", r.MaxLength))
	}
	return errors.Join(errs...)
}

// LoadRules reads a YAML or JSON rules file over the defaults. Keys absent
// from the file keep their default value; a list in the file replaces the
// default list.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Rules{}, fmt.Errorf("read content rules: %w", err)
	}
	if err := v.Unmarshal(&rules); err != nil {
		return Rules{}, fmt.Errorf("decode content rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("invalid content rules: %w", err)
	}
	return rules, nil
}
