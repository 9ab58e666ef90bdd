package merge

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/consultd/internal/record"
)

func testSchema() *record.Schema {
	return record.MustSchema([]record.FieldSpec{
		{Name: "company_name", Kind: record.KindScalar},
		{Name: "agent_name", Kind: record.KindScalar, Correctable: true},
		{Name: "phone", Kind: record.KindScalar, Correctable: true, Aliases: []string{"contact_phone"}},
		{Name: "services", Kind: record.KindSet},
		{Name: "goals", Kind: record.KindSet},
	})
}

func result(fields map[string]record.Proposal) record.ExtractionResult {
	return record.ExtractionResult{Fields: fields, Phase: "discovery", ExtractedAt: time.Now()}
}

func decisionFor(t *testing.T, out Outcome, field string) Decision {
	t.Helper()
	for _, d := range out.Decisions {
		if d.Field == field {
			return d
		}
	}
	t.Fatalf("no decision for %s", field)
	return Decision{}
}

func TestApply_EmptyResultKeepsValues(t *testing.T) {
	e := NewEngine(testSchema())

	out := e.Apply(record.New(), result(map[string]record.Proposal{
		"company_name": record.Scalar("Acme"),
	}), ModeExtraction)
	require.True(t, out.Changed)
	assert.Equal(t, ReasonEmptyField, decisionFor(t, out, "company_name").Reason)

	out = e.Apply(out.Record, result(map[string]record.Proposal{}), ModeExtraction)
	assert.False(t, out.Changed)
	assert.Empty(t, out.Decisions)
	assert.Equal(t, "Acme", out.Record.Fields["company_name"].Text)
}

func TestApply_StableFieldRejectsChange(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{"company_name": record.Scalar("Acme")}), ModeExtraction)

	for i := 0; i < 5; i++ {
		out = e.Apply(out.Record, result(map[string]record.Proposal{"company_name": record.Scalar("Acme Holdings")}), ModeExtraction)
		d := decisionFor(t, out, "company_name")
		assert.False(t, d.Accepted)
		assert.Equal(t, ReasonStableField, d.Reason)
	}
	assert.Equal(t, "Acme", out.Record.Fields["company_name"].Text)
}

func TestApply_SameValueReinforcesEvidence(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{"company_name": record.Scalar("Acme")}), ModeExtraction)
	out = e.Apply(out.Record, result(map[string]record.Proposal{"company_name": record.Scalar("  ACME ")}), ModeExtraction)

	d := decisionFor(t, out, "company_name")
	assert.Equal(t, ReasonUnchanged, d.Reason)
	assert.True(t, out.Changed)
	assert.Equal(t, 2, out.Record.Fields["company_name"].EvidenceCount)
	assert.Equal(t, "Acme", out.Record.Fields["company_name"].Text)
}

func TestApply_EvidenceOnlyMergeIsChanged(t *testing.T) {
	e := NewEngine(testSchema(), WithMargin(1))
	out := e.Apply(record.New(), result(map[string]record.Proposal{
		"company_name": record.Scalar("Acme"),
		"agent_name":   record.Scalar("Commander"),
	}), ModeExtraction)
	require.Len(t, out.Accepted(), 2)

	out = e.Apply(out.Record, result(map[string]record.Proposal{
		"company_name": record.Scalar("Acme"),
		"agent_name":   record.Scalar("Alex"),
	}), ModeExtraction)

	assert.Empty(t, out.Accepted())
	assert.True(t, out.Changed)
	assert.Equal(t, ReasonUnchanged, decisionFor(t, out, "company_name").Reason)
	assert.Equal(t, ReasonInsufficient, decisionFor(t, out, "agent_name").Reason)
	assert.Equal(t, "Commander", out.Record.Fields["agent_name"].Text)
	require.Len(t, out.Record.Fields["agent_name"].Candidates, 1)
	assert.Equal(t, 1, out.Record.Fields["agent_name"].Candidates[0].EvidenceCount)
}

func TestApply_CorrectionAfterMargin(t *testing.T) {
	e := NewEngine(testSchema(), WithMargin(1))

	out := e.Apply(record.New(), result(map[string]record.Proposal{"agent_name": record.Scalar("Commander")}), ModeExtraction)
	require.Equal(t, "Commander", out.Record.Fields["agent_name"].Text)

	rec := out.Record
	reasons := make([]Reason, 0, 3)
	for i := 0; i < 3; i++ {
		out = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction)
		rec = out.Record
		reasons = append(reasons, decisionFor(t, out, "agent_name").Reason)
		if i < 2 {
			assert.Equal(t, "Commander", rec.Fields["agent_name"].Text, "replaced too early at proposal %d", i+1)
		}
	}

	assert.Equal(t, []Reason{ReasonInsufficient, ReasonInsufficient, ReasonCorrection}, reasons)
	v := rec.Fields["agent_name"]
	assert.Equal(t, "Alex", v.Text)
	assert.Equal(t, 3, v.EvidenceCount)
	require.Len(t, v.Candidates, 1)
	assert.Equal(t, "Commander", v.Candidates[0].Text)
	assert.Equal(t, 1, v.Candidates[0].EvidenceCount)
}

func TestApply_CorrectionMarginIsConfigurable(t *testing.T) {
	for _, k := range []int{0, 1, 2, 4} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			e := NewEngine(testSchema(), WithMargin(k))
			rec := e.Apply(record.New(), result(map[string]record.Proposal{"agent_name": record.Scalar("Commander")}), ModeExtraction).Record

			proposals := 0
			for rec.Fields["agent_name"].Text == "Commander" {
				rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction).Record
				proposals++
				require.LessOrEqual(t, proposals, 10)
			}
			// Replacement happens at the first count strictly above 1 + K.
			assert.Equal(t, 2+k, proposals)
		})
	}
}

func TestApply_CurrentValueEvidenceDelaysCorrection(t *testing.T) {
	e := NewEngine(testSchema(), WithMargin(1))
	rec := e.Apply(record.New(), result(map[string]record.Proposal{"agent_name": record.Scalar("Commander")}), ModeExtraction).Record

	rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction).Record
	rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Commander")}), ModeExtraction).Record
	rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction).Record
	rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction).Record

	// Commander 2, Alex 3: not yet above 2 + 1.
	assert.Equal(t, "Commander", rec.Fields["agent_name"].Text)

	rec = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction).Record
	assert.Equal(t, "Alex", rec.Fields["agent_name"].Text)
}

func TestApply_AliasCorrectionVisibleOnAllNames(t *testing.T) {
	s := testSchema()
	e := NewEngine(s, WithMargin(0))

	rec := e.Apply(record.New(), result(map[string]record.Proposal{"phone": record.Scalar("555-0100")}), ModeExtraction).Record
	rec = e.Apply(rec, result(map[string]record.Proposal{"contact_phone": record.Scalar("555-0199")}), ModeExtraction).Record
	out := e.Apply(rec, result(map[string]record.Proposal{"contact_phone": record.Scalar("555-0199")}), ModeExtraction)

	assert.Equal(t, ReasonCorrection, decisionFor(t, out, "contact_phone").Reason)
	flat := out.Record.Flatten(s)
	assert.Equal(t, "555-0199", flat["phone"].Text)
	assert.Equal(t, "555-0199", flat["contact_phone"].Text)
	assert.Equal(t, flat["phone"], flat["contact_phone"])
}

func TestApply_AliasesInOneResultMergeOnce(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{
		"contact_phone": record.Scalar("555-0100"),
		"phone":         record.Scalar("555-0200"),
	}), ModeExtraction)

	assert.Equal(t, "555-0200", out.Record.Fields["phone"].Text)
	assert.Equal(t, 1, out.Record.Fields["phone"].EvidenceCount)
	assert.Equal(t, ReasonDuplicateAlias, decisionFor(t, out, "contact_phone").Reason)
	assert.Len(t, out.Accepted(), 1)
}

func TestApply_SetUnion(t *testing.T) {
	e := NewEngine(testSchema())

	out := e.Apply(record.New(), result(map[string]record.Proposal{"services": record.Set("Haircuts", "Colouring")}), ModeExtraction)
	assert.Equal(t, ReasonEmptyField, decisionFor(t, out, "services").Reason)

	out = e.Apply(out.Record, result(map[string]record.Proposal{"services": record.Set(" haircuts ", "Beard Trim", "beard  trim")}), ModeExtraction)
	assert.Equal(t, ReasonSetUnion, decisionFor(t, out, "services").Reason)
	assert.Equal(t, []string{"Haircuts", "Colouring", "Beard Trim"}, out.Record.Fields["services"].Items)

	out = e.Apply(out.Record, result(map[string]record.Proposal{"services": record.Set("COLOURING")}), ModeExtraction)
	assert.Equal(t, ReasonNoNewItems, decisionFor(t, out, "services").Reason)
	assert.False(t, out.Changed)
}

func TestApply_SetAcceptsScalarAsSingleItem(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{"goals": record.Scalar("book more clients")}), ModeExtraction)
	assert.Equal(t, []string{"book more clients"}, out.Record.Fields["goals"].Items)
}

func TestApply_Rejections(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{
		"favourite_colour": record.Scalar("blue"),
		"company_name":     record.Set("Acme", "Other"),
		"agent_name":       record.Scalar("   "),
	}), ModeExtraction)

	assert.False(t, out.Changed)
	assert.Equal(t, ReasonUnknownField, decisionFor(t, out, "favourite_colour").Reason)
	assert.Equal(t, ReasonTypeMismatch, decisionFor(t, out, "company_name").Reason)
	assert.Equal(t, ReasonNoEvidence, decisionFor(t, out, "agent_name").Reason)
	assert.Empty(t, out.Record.Fields)
}

func TestApply_DefaultConfidence(t *testing.T) {
	e := NewEngine(testSchema())
	out := e.Apply(record.New(), result(map[string]record.Proposal{
		"company_name": record.Scalar("Acme"),
		"agent_name":   {Text: "Alex", Confidence: 0.9},
	}), ModeExtraction)

	assert.Equal(t, record.DefaultConfidence, out.Record.Fields["company_name"].Confidence)
	assert.Equal(t, 0.9, out.Record.Fields["agent_name"].Confidence)
}

func TestApply_InputRecordUntouched(t *testing.T) {
	e := NewEngine(testSchema())
	rec := e.Apply(record.New(), result(map[string]record.Proposal{"services": record.Set("a")}), ModeExtraction).Record
	before := rec.Clone()

	_ = e.Apply(rec, result(map[string]record.Proposal{"services": record.Set("b")}), ModeExtraction)
	assert.Equal(t, before, rec)
}

func TestApply_ExplicitEditPinsScalar(t *testing.T) {
	e := NewEngine(testSchema(), WithMargin(0))
	rec := e.Apply(record.New(), result(map[string]record.Proposal{"agent_name": record.Scalar("Commander")}), ModeExtraction).Record

	out := e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Nova")}), ModeExplicit)
	d := decisionFor(t, out, "agent_name")
	assert.True(t, d.Accepted)
	assert.Equal(t, ReasonExplicitEdit, d.Reason)
	assert.True(t, out.Record.Fields["agent_name"].Pinned)

	rec = out.Record
	for i := 0; i < 5; i++ {
		out = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("Alex")}), ModeExtraction)
		assert.Equal(t, ReasonPinned, decisionFor(t, out, "agent_name").Reason)
		rec = out.Record
	}
	assert.Equal(t, "Nova", rec.Fields["agent_name"].Text)

	out = e.Apply(rec, result(map[string]record.Proposal{"agent_name": record.Scalar("nova")}), ModeExplicit)
	assert.False(t, out.Changed)
}

func TestApply_ExplicitEditOverridesStableField(t *testing.T) {
	e := NewEngine(testSchema())
	rec := e.Apply(record.New(), result(map[string]record.Proposal{"company_name": record.Scalar("Acme")}), ModeExtraction).Record

	out := e.Apply(rec, result(map[string]record.Proposal{"company_name": record.Scalar("Acme Plumbing Ltd")}), ModeExplicit)
	assert.Equal(t, "Acme Plumbing Ltd", out.Record.Fields["company_name"].Text)

	out = e.Apply(out.Record, result(map[string]record.Proposal{"company_name": record.Scalar("")}), ModeExplicit)
	assert.Equal(t, ReasonNoEvidence, decisionFor(t, out, "company_name").Reason)
	assert.Equal(t, "Acme Plumbing Ltd", out.Record.Fields["company_name"].Text)
}

// Randomized sequences must never regress a scalar to empty or drop a set item.
func TestApply_NonRegression(t *testing.T) {
	s := testSchema()
	e := NewEngine(s, WithMargin(1))
	rng := rand.New(rand.NewSource(42))
	pool := []string{"", "  ", "Acme", "Alex", "Commander", "acme", "Beta"}
	setPool := []string{"", "cuts", "Cuts", "colour", "trim", " trim "}

	for run := 0; run < 200; run++ {
		rec := record.New()
		for step := 0; step < 30; step++ {
			fields := make(map[string]record.Proposal)
			for _, name := range s.Names() {
				if rng.Intn(3) == 0 {
					continue
				}
				spec, _ := s.Resolve(name)
				if spec.Kind == record.KindSet {
					fields[name] = record.Set(setPool[rng.Intn(len(setPool))], setPool[rng.Intn(len(setPool))])
				} else {
					fields[name] = record.Scalar(pool[rng.Intn(len(pool))])
				}
			}
			out := e.Apply(rec, result(fields), ModeExtraction)

			for _, spec := range s.Fields() {
				before, after := rec.Fields[spec.Name], out.Record.Fields[spec.Name]
				if spec.Kind == record.KindSet {
					for _, item := range before.Items {
						assert.Contains(t, after.Items, item)
					}
					continue
				}
				if !before.IsEmpty() {
					require.False(t, after.IsEmpty(), "scalar %s regressed to empty", spec.Name)
					if !spec.Correctable {
						assert.Equal(t, before.Text, after.Text)
					}
				}
			}
			rec = out.Record
		}
	}
}

// Completion depends on the record only, never on the size of the latest result.
func TestApply_CompletionIndependentOfResultSize(t *testing.T) {
	s := testSchema()
	e := NewEngine(s)

	rec := e.Apply(record.New(), result(map[string]record.Proposal{
		"company_name": record.Scalar("Acme"),
		"agent_name":   record.Scalar("Alex"),
		"phone":        record.Scalar("555"),
		"services":     record.Set("cuts"),
	}), ModeExtraction).Record
	full := rec.Completion(s)

	for _, r := range []map[string]record.Proposal{
		{},
		{"goals": record.Set("grow")},
		{"company_name": record.Scalar("Acme")},
	} {
		next := e.Apply(rec, result(r), ModeExtraction).Record
		assert.GreaterOrEqual(t, next.Completion(s), full)
		rec = next
		full = rec.Completion(s)
	}
	assert.InDelta(t, 1.0, rec.Completion(s), 1e-9)
}
