// Package trap flags bot-trap and honeypot patterns in signup pages and in
// the structured responses extracted from them. Detectors never fail an
// extraction; their names are recorded on the attempt and fed to the
// confidence model.
package trap

import (
	"sort"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Detector names recorded in ExtractionAttempt.TrapHit.
const (
	DecoyFieldName  = "decoy-field-name"
	HiddenInput     = "hidden-input"
	PromptInjection = "prompt-injection"
	DuplicateField  = "duplicate-field"
)

// Input is everything a detector may inspect for one extraction call.
type Input struct {
	// HTML is the page markup that was sent to the extractor.
	HTML string
	// Raw is the unparsed extractor output.
	Raw string
	// Fields are the candidate fields in response order, duplicates included.
	Fields []discovery.FieldDescriptor
}

// Finding is one detector hit. Field is empty for page-level findings.
type Finding struct {
	Detector string
	Field    string
}

// Detector inspects an Input for one trap pattern.
type Detector interface {
	Name() string
	Detect(in Input) []Finding
}

// Default returns the standard detector set.
func Default() []Detector {
	return []Detector{
		NewDecoyNames(nil),
		NewHiddenInputs(),
		NewPromptInjection(nil),
		DuplicateFields{},
	}
}

// Result aggregates the findings of a detector run.
type Result struct {
	// Hits are the detector names that fired, sorted and unique.
	Hits []string
	// Fields are the normalized names of fields flagged by a field-scoped
	// detector, sorted and unique.
	Fields []string
}

// Flagged reports whether the field with the given normalized key was flagged.
func (r Result) Flagged(key string) bool {
	idx := sort.SearchStrings(r.Fields, key)
	return idx < len(r.Fields) && r.Fields[idx] == key
}

// Run executes every detector over in.
func Run(detectors []Detector, in Input) Result {
	hits := make(map[string]struct{})
	fields := make(map[string]struct{})
	for _, d := range detectors {
		for _, f := range d.Detect(in) {
			hits[f.Detector] = struct{}{}
			if f.Field != "" {
				fields[discovery.NormalizeFieldName(f.Field)] = struct{}{}
			}
		}
	}
	return Result{Hits: sortedKeys(hits), Fields: sortedKeys(fields)}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
