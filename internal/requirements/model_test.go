package requirements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

var now = time.Unix(1_700_000_000, 0).UTC()

func fd(name string, typ discovery.FieldType, category string) discovery.FieldDescriptor {
	return discovery.FieldDescriptor{Name: name, Type: typ, Category: category}
}

func threeCategoryDelta() discovery.Delta {
	return discovery.Delta{Fields: []discovery.FieldDescriptor{
		fd("first_name", discovery.FieldText, "identity"),
		fd("email", discovery.FieldEmail, "contact"),
		fd("dob", discovery.FieldDate, "participant"),
	}}
}

func TestUpdateFirstAndAgreeingAttempt(t *testing.T) {
	t.Parallel()

	schema := discovery.DefaultSchema()
	first := Update(nil, threeCategoryDelta(), schema, now)
	require.InDelta(t, 0.55, first.ConfidenceLevel, 1e-9)
	require.Equal(t, 1, first.SuccessfulAttempts)
	require.Equal(t, 1, first.AgreeingAttempts)
	require.False(t, IsSufficient(first, 0.6))
	require.Equal(t, now, first.LastUpdatedAt)

	second := Update(&first, threeCategoryDelta(), schema, now.Add(time.Second))
	require.InDelta(t, 0.70, second.ConfidenceLevel, 1e-9)
	require.Equal(t, 2, second.AgreeingAttempts)
	require.True(t, IsSufficient(second, 0.6))

	require.Equal(t, 1, first.SuccessfulAttempts)
	require.Len(t, first.Observations, 1)
}

func TestUpdateNeverDecreases(t *testing.T) {
	t.Parallel()

	schema := discovery.DefaultSchema()
	rec := Update(nil, threeCategoryDelta(), schema, now)
	before := rec.ConfidenceLevel

	trapped := discovery.Delta{
		Fields:   []discovery.FieldDescriptor{fd("nickname", discovery.FieldText, "")},
		TrapHits: []string{"hidden-input", "prompt-injection"},
	}
	rec = Update(&rec, trapped, schema, now)
	require.GreaterOrEqual(t, rec.ConfidenceLevel, before)
	require.Equal(t, []string{"hidden-input", "prompt-injection"}, rec.TrapHits)
	require.Less(t, Confidence(rec, schema), before)
}

func TestUpdateMergeOrderAndSpecificity(t *testing.T) {
	t.Parallel()

	maxLen := 80
	schema := discovery.Schema{}
	rec := Update(nil, discovery.Delta{Fields: []discovery.FieldDescriptor{
		{Name: "Email", Type: discovery.FieldText, Required: true},
		{Name: "age", Type: discovery.FieldNumber},
		{Name: "shirt", Type: discovery.FieldSelect, Constraints: discovery.Constraints{Options: []string{"S", "M"}}},
	}}, schema, now)

	rec = Update(&rec, discovery.Delta{Fields: []discovery.FieldDescriptor{
		{Name: "email ", Type: discovery.FieldEmail, Label: "Email address"},
		{Name: "AGE", Type: discovery.FieldText, Required: true},
		{Name: "shirt", Type: discovery.FieldSelect, Constraints: discovery.Constraints{Options: []string{"S"}, MaxLength: &maxLen}},
		{Name: "phone", Type: discovery.FieldPhone},
	}}, schema, now)

	require.Len(t, rec.DiscoveredFields, 4)
	names := []string{}
	for _, f := range rec.DiscoveredFields {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"email ", "age", "shirt", "phone"}, names)

	email := rec.DiscoveredFields[0]
	require.Equal(t, discovery.FieldEmail, email.Type)
	require.True(t, email.Required)
	require.Equal(t, "Email address", email.Label)

	age := rec.DiscoveredFields[1]
	require.Equal(t, discovery.FieldNumber, age.Type)
	require.True(t, age.Required)

	shirt := rec.DiscoveredFields[2]
	require.Equal(t, 2, shirt.Constraints.Facets())

	require.InDelta(t, 1.0*0.5+0.25+0, Confidence(discovery.RequirementsRecord{DiscoveredFields: rec.DiscoveredFields, AgreeingAttempts: 1}, schema), 1e-9)
}

func TestSpecificityTieKeepsExisting(t *testing.T) {
	t.Parallel()

	current := discovery.FieldDescriptor{Name: "dob", Type: discovery.FieldDate, Label: "Birthday"}
	candidate := discovery.FieldDescriptor{Name: "dob", Type: discovery.FieldEmail, Label: "Date of birth"}
	require.Equal(t, "Birthday", preferSpecific(current, candidate).Label)

	unknown := discovery.FieldDescriptor{Name: "x", Type: "mystery"}
	rank, _ := Specificity(unknown)
	require.Zero(t, rank)
}

func TestCoverage(t *testing.T) {
	t.Parallel()

	fields := []discovery.FieldDescriptor{fd("a", discovery.FieldText, "Identity"), fd("b", discovery.FieldText, "other")}
	require.InDelta(t, 0.5, Coverage(fields, discovery.Schema{ExpectedCategories: []string{"identity", "contact", "identity"}}), 1e-9)
	require.Equal(t, 1.0, Coverage(nil, discovery.Schema{}))
}

func TestSignature(t *testing.T) {
	t.Parallel()

	a := Signature([]discovery.FieldDescriptor{fd("Email", "", ""), fd("dob", "", ""), fd("email", "", "")})
	require.Equal(t, "dob|email", a)
}

func TestThresholds(t *testing.T) {
	t.Parallel()

	th := Thresholds{Default: 0.6, PerHost: map[string]float64{"strict.example.com": 0.9}}
	require.Equal(t, 0.9, th.For("strict.example.com"))
	require.Equal(t, 0.9, th.For("https://Strict.example.com/signup"))
	require.Equal(t, 0.6, th.For("other.example.com"))
}
