package trap

import (
	"strings"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var defaultDecoyTerms = []string{
	"honeypot",
	"honey_pot",
	"leave_blank",
	"leave_empty",
	"leaveblank",
	"do_not_fill",
	"donotfill",
	"dont_fill",
	"bot_check",
	"botcheck",
	"no_bots",
	"nobots",
	"spam_trap",
	"bot_trap",
}

var decoyPrefixes = []string{"hp_", "_hp", "hpot"}

// DecoyNames flags fields whose name or label uses honeypot vocabulary.
type DecoyNames struct {
	terms []string
}

// NewDecoyNames builds the detector. A nil terms slice uses the defaults.
func NewDecoyNames(terms []string) DecoyNames {
	if terms == nil {
		terms = defaultDecoyTerms
	}
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = canonical(term); term != "" {
			normalized = append(normalized, term)
		}
	}
	return DecoyNames{terms: normalized}
}

// Name implements Detector.
func (DecoyNames) Name() string { return DecoyFieldName }

// Detect implements Detector.
func (d DecoyNames) Detect(in Input) []Finding {
	var out []Finding
	for _, field := range in.Fields {
		if d.isDecoy(field.Name) || d.isDecoy(field.Label) {
			out = append(out, Finding{Detector: DecoyFieldName, Field: field.Name})
		}
	}
	return out
}

func (d DecoyNames) isDecoy(value string) bool {
	name := canonical(value)
	if name == "" {
		return false
	}
	for _, prefix := range decoyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, term := range d.terms {
		if strings.Contains(name, term) {
			return true
		}
	}
	return false
}

// canonical lowercases and folds separators to underscores so "Leave Blank"
// and "leave-blank" match the same term.
func canonical(value string) string {
	value = discovery.NormalizeFieldName(value)
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(value)
}

// DuplicateFields flags names reported more than once with conflicting types
// in a single response.
type DuplicateFields struct{}

// Name implements Detector.
func (DuplicateFields) Name() string { return DuplicateField }

// Detect implements Detector.
func (DuplicateFields) Detect(in Input) []Finding {
	seen := make(map[string]discovery.FieldType, len(in.Fields))
	reported := make(map[string]bool)
	var out []Finding
	for _, field := range in.Fields {
		key := field.Key()
		prev, ok := seen[key]
		if !ok {
			seen[key] = field.Type
			continue
		}
		if prev != field.Type && !reported[key] {
			reported[key] = true
			out = append(out, Finding{Detector: DuplicateField, Field: field.Name})
		}
	}
	return out
}
