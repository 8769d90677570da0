// Package requirements merges extraction deltas into a session's discovered
// requirements and scores how far they can be trusted.
package requirements

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

const (
	coverageWeight  = 0.5
	trapFreeWeight  = 0.25
	agreementWeight = 0.25
	// agreementDecay sets how fast agreement approaches 1 per agreeing attempt.
	agreementDecay = 0.4
)

var typeRank = map[discovery.FieldType]int{
	discovery.FieldText:    0,
	discovery.FieldNumber:  1,
	discovery.FieldBoolean: 1,
	discovery.FieldDate:    2,
	discovery.FieldEmail:   2,
	discovery.FieldPhone:   2,
	discovery.FieldURL:     2,
	discovery.FieldFile:    2,
	discovery.FieldSelect:  3,
}

// Update merges delta into existing (nil for the first success of a session)
// and recomputes the confidence level. The input record is not modified and
// the returned confidence never drops below the existing one.
func Update(existing *discovery.RequirementsRecord, delta discovery.Delta, expected discovery.Schema, now time.Time) discovery.RequirementsRecord {
	var rec discovery.RequirementsRecord
	if existing != nil {
		rec = cloneRecord(*existing)
	}

	index := make(map[string]int, len(rec.DiscoveredFields))
	for i, f := range rec.DiscoveredFields {
		index[f.Key()] = i
	}
	for _, f := range delta.Fields {
		key := f.Key()
		if key == "" {
			continue
		}
		if i, ok := index[key]; ok {
			rec.DiscoveredFields[i] = preferSpecific(rec.DiscoveredFields[i], f)
			continue
		}
		index[key] = len(rec.DiscoveredFields)
		rec.DiscoveredFields = append(rec.DiscoveredFields, f)
	}

	rec.TrapHits = unionSorted(rec.TrapHits, delta.TrapHits)
	rec.SuccessfulAttempts++
	if rec.Observations == nil {
		rec.Observations = make(map[string]int)
	}
	rec.Observations[Signature(delta.Fields)]++
	rec.AgreeingAttempts = rec.Observations[Signature(rec.DiscoveredFields)]
	if rec.AgreeingAttempts < 1 {
		rec.AgreeingAttempts = 1
	}

	computed := Confidence(rec, expected)
	rec.ConfidenceLevel = clamp(math.Max(rec.ConfidenceLevel, computed))
	rec.LastUpdatedAt = now
	return rec
}

// Confidence scores rec against the expected schema without the monotonic
// floor applied by Update.
func Confidence(rec discovery.RequirementsRecord, expected discovery.Schema) float64 {
	k := rec.AgreeingAttempts
	if k < 1 {
		k = 1
	}
	score := coverageWeight*Coverage(rec.DiscoveredFields, expected) +
		trapFreeWeight*(1/(1+float64(len(rec.TrapHits)))) +
		agreementWeight*(1-math.Pow(agreementDecay, float64(k-1)))
	return clamp(score)
}

// Coverage is the fraction of expected categories with at least one field.
func Coverage(fields []discovery.FieldDescriptor, expected discovery.Schema) float64 {
	if len(expected.ExpectedCategories) == 0 {
		return 1
	}
	found := make(map[string]bool, len(fields))
	for _, f := range fields {
		found[strings.ToLower(strings.TrimSpace(f.Category))] = true
	}
	hit := 0
	seen := make(map[string]bool, len(expected.ExpectedCategories))
	for _, c := range expected.ExpectedCategories {
		c = strings.ToLower(strings.TrimSpace(c))
		if seen[c] {
			continue
		}
		seen[c] = true
		if found[c] {
			hit++
		}
	}
	return float64(hit) / float64(len(seen))
}

// Signature identifies a field set by its sorted normalized names.
func Signature(fields []discovery.FieldDescriptor) string {
	names := make([]string, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		key := f.Key()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		names = append(names, key)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// IsSufficient reports whether rec has reached threshold.
func IsSufficient(rec discovery.RequirementsRecord, threshold float64) bool {
	return rec.ConfidenceLevel >= threshold
}

// Specificity ranks a descriptor by type and then by constraint detail.
func Specificity(f discovery.FieldDescriptor) (int, int) {
	return typeRank[discovery.FieldType(strings.ToLower(string(f.Type)))], f.Constraints.Facets()
}

func preferSpecific(current, candidate discovery.FieldDescriptor) discovery.FieldDescriptor {
	curType, curFacets := Specificity(current)
	candType, candFacets := Specificity(candidate)
	chosen := current
	if candType > curType || (candType == curType && candFacets > curFacets) {
		chosen = candidate
	}
	chosen.Required = current.Required || candidate.Required
	if chosen.Label == "" {
		chosen.Label = firstNonEmpty(current.Label, candidate.Label)
	}
	if chosen.Category == "" {
		chosen.Category = firstNonEmpty(current.Category, candidate.Category)
	}
	return chosen
}

// Thresholds holds the sufficiency bar per provider host.
type Thresholds struct {
	Default float64            `mapstructure:"default" json:"default"`
	PerHost map[string]float64 `mapstructure:"per_host" json:"per_host,omitempty"`
}

// For returns the threshold for host, which may also be a full URL.
func (t Thresholds) For(host string) float64 {
	if strings.Contains(host, "://") {
		if u, err := url.Parse(host); err == nil {
			host = u.Hostname()
		}
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if v, ok := t.PerHost[host]; ok {
		return v
	}
	return t.Default
}

func cloneRecord(rec discovery.RequirementsRecord) discovery.RequirementsRecord {
	out := rec
	out.DiscoveredFields = append([]discovery.FieldDescriptor(nil), rec.DiscoveredFields...)
	out.TrapHits = append([]string(nil), rec.TrapHits...)
	if rec.Observations != nil {
		out.Observations = make(map[string]int, len(rec.Observations))
		for k, v := range rec.Observations {
			out.Observations[k] = v
		}
	}
	return out
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
