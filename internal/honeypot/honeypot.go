// Package honeypot checks hidden form fields that only automated form fillers
// populate.
package honeypot

import (
	"strings"
)

// DefaultFields are the trap fields rendered by the chat widget.
var DefaultFields = []string{"website"}

// Result is the outcome of a honeypot check.
type Result struct {
	IsBot bool
	// Field is the trap that fired.
	Field string
	// Missing is set when the trap field was absent and presence is required.
	Missing bool
}

// Detector evaluates submitted form fields against a set of trap names.
type Detector struct {
	fields         []string
	requirePresent bool
}

// Option configures a Detector.
type Option func(*Detector)

// RequirePresent flags submissions that omit a trap field entirely. Clients
// built from the widget always send the traps, empty.
func RequirePresent() Option {
	return func(d *Detector) { d.requirePresent = true }
}

// New returns a Detector for fields; with no fields DefaultFields is used.
func New(fields []string, opts ...Option) *Detector {
	d := &Detector{}
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			d.fields = append(d.fields, f)
		}
	}
	if len(d.fields) == 0 {
		d.fields = append(d.fields, DefaultFields...)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fields returns the trap field names.
func (d *Detector) Fields() []string {
	return append([]string(nil), d.fields...)
}

// Evaluate checks formFields. Any trap holding a value, whitespace included,
// is final.
func (d *Detector) Evaluate(formFields map[string]string) Result {
	for _, f := range d.fields {
		v, ok := formFields[f]
		if ok && v != "" {
			return Result{IsBot: true, Field: f}
		}
		if !ok && d.requirePresent {
			return Result{IsBot: true, Field: f, Missing: true}
		}
	}
	return Result{}
}
