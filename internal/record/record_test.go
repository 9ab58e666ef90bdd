package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchema_Validation(t *testing.T) {
	tests := []struct {
		name    string
		specs   []FieldSpec
		wantErr error
	}{
		{"empty", nil, ErrEmptySchema},
		{"missing name", []FieldSpec{{Kind: KindScalar}}, ErrEmptyFieldName},
		{"bad kind", []FieldSpec{{Name: "a", Kind: "map"}}, ErrInvalidKind},
		{"duplicate primary", []FieldSpec{{Name: "a", Kind: KindScalar}, {Name: "a", Kind: KindSet}}, ErrDuplicateField},
		{"alias collides", []FieldSpec{{Name: "a", Kind: KindScalar}, {Name: "b", Kind: KindScalar, Aliases: []string{"a"}}}, ErrDuplicateField},
		{"empty alias", []FieldSpec{{Name: "a", Kind: KindScalar, Aliases: []string{""}}}, ErrEmptyFieldName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchema(tt.specs)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSchema_ResolveAlias(t *testing.T) {
	s := DefaultSchema()

	spec, ok := s.Resolve("contact_phone")
	require.True(t, ok)
	assert.Equal(t, "phone", spec.Name)

	_, ok = s.Resolve("favourite_colour")
	assert.False(t, ok)

	assert.Contains(t, s.Names(), "contact_email")
	assert.Equal(t, len(DefaultFieldSpecs())+2, s.Len())
	assert.Equal(t, KindSet, s.Kinds()["services"])
	assert.Equal(t, KindScalar, s.Kinds()["contact_phone"])
}

func TestRecord_FlattenFansOutAliases(t *testing.T) {
	s := DefaultSchema()
	rec := New()
	rec.Fields["phone"] = FieldValue{Text: "+1 555 0100", EvidenceCount: 1}

	flat := rec.Flatten(s)
	assert.Equal(t, "+1 555 0100", flat["phone"].Text)
	assert.Equal(t, "+1 555 0100", flat["contact_phone"].Text)

	v, ok := rec.Get(s, "contact_phone")
	require.True(t, ok)
	assert.Equal(t, "+1 555 0100", v.Text)
}

func TestRecord_Completion(t *testing.T) {
	s := MustSchema([]FieldSpec{
		{Name: "a", Kind: KindScalar},
		{Name: "b", Kind: KindScalar, Aliases: []string{"b2"}},
		{Name: "c", Kind: KindSet},
	})
	rec := New()
	assert.Zero(t, rec.Completion(s))

	rec.Fields["a"] = FieldValue{Text: "x"}
	assert.InDelta(t, 0.25, rec.Completion(s), 1e-9)

	rec.Fields["b"] = FieldValue{Text: "y"}
	assert.InDelta(t, 0.75, rec.Completion(s), 1e-9)

	rec.Fields["c"] = FieldValue{Items: []string{"one"}}
	assert.InDelta(t, 1.0, rec.Completion(s), 1e-9)
}

func TestRecord_CompletionCountsEveryAliasName(t *testing.T) {
	s := DefaultSchema()
	total := float64(s.Len())

	phone := New()
	phone.Fields["phone"] = FieldValue{Text: "+1 555 0100"}
	assert.Equal(t, 2, phone.FilledCount(s))
	assert.InDelta(t, 2/total, phone.Completion(s), 1e-9)
	assert.Len(t, phone.Flatten(s), 2)

	company := New()
	company.Fields["company_name"] = FieldValue{Text: "Acme"}
	assert.InDelta(t, 1/total, company.Completion(s), 1e-9)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	rec := New()
	rec.Version = 4
	rec.Fields["services"] = FieldValue{Items: []string{"cuts"}, Candidates: []Candidate{{Text: "x"}}}

	cp := rec.Clone()
	v := cp.Fields["services"]
	v.Items[0] = "mutated"
	v.Candidates[0].Text = "mutated"
	cp.Fields["new"] = FieldValue{Text: "n"}

	assert.Equal(t, "cuts", rec.Fields["services"].Items[0])
	assert.Equal(t, "x", rec.Fields["services"].Candidates[0].Text)
	assert.NotContains(t, rec.Fields, "new")
	assert.Equal(t, int64(4), cp.Version)
}

func TestProposal_IsEmpty(t *testing.T) {
	assert.True(t, Proposal{}.IsEmpty())
	assert.True(t, Scalar("   ").IsEmpty())
	assert.True(t, Set("", " ").IsEmpty())
	assert.False(t, Scalar("Acme").IsEmpty())
	assert.False(t, Set("", "cuts").IsEmpty())
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hair cuts", NormalizeText("  Hair \t CUTS "))
	assert.Equal(t, "", NormalizeText("   "))
}
