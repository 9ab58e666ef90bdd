// Package merge combines partial extraction results into the canonical record.
//
// The acceptance policy per field:
//
//   - empty canonical field: the proposal is accepted.
//   - non-correctable scalar already set: the proposal is rejected (stable-field).
//   - correctable scalar with a disagreeing proposal: the proposal's candidate
//     gains one unit of evidence and replaces the current value once its
//     evidence exceeds the current value's evidence by the correction margin.
//   - set fields: de-duplicated union over normalized text. Items are never removed.
//
// Aliased names resolve to one primary FieldValue, so a correction is visible on
// every alias in the same commit.
//
// Evidence is committed too. A re-extracted identical value (unchanged) and a
// competing value still inside the margin (insufficient-evidence) are rejected
// decisions, yet they update evidence counts and report Changed. Callers that
// commit on Changed therefore advance the record version for such
// bookkeeping-only merges: every accepted decision lands in a version bump,
// but not every version bump carries an accepted decision.
package merge

import (
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/record"
)

// DefaultMargin is the correction margin K used when none is configured.
const DefaultMargin = 1

// Mode selects the policy applied to proposals.
type Mode int

const (
	// ModeExtraction applies the evidence-based policy to adapter output.
	ModeExtraction Mode = iota
	// ModeExplicit applies an external edit. Scalars are replaced and pinned.
	ModeExplicit
)

func (m Mode) String() string {
	if m == ModeExplicit {
		return "explicit"
	}
	return "extraction"
}

// Reason explains a Decision.
type Reason string

const (
	ReasonEmptyField     Reason = "accepted: empty-field"
	ReasonSetUnion       Reason = "accepted: set-union"
	ReasonCorrection     Reason = "accepted: correction"
	ReasonExplicitEdit   Reason = "accepted: explicit-edit"
	ReasonStableField    Reason = "rejected: stable-field"
	ReasonUnchanged      Reason = "rejected: unchanged"
	ReasonInsufficient   Reason = "rejected: insufficient-evidence"
	ReasonPinned         Reason = "rejected: pinned-by-edit"
	ReasonNoNewItems     Reason = "rejected: no-new-items"
	ReasonUnknownField   Reason = "rejected: unknown-field"
	ReasonTypeMismatch   Reason = "rejected: type-mismatch"
	ReasonNoEvidence     Reason = "rejected: no-evidence"
	ReasonDuplicateAlias Reason = "rejected: duplicate-alias"
)

// Decision is the audit entry for one proposed field update.
type Decision struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason"`
	Evidence int    `json:"evidence,omitempty"`
}

// Outcome is the result of applying one ExtractionResult.
type Outcome struct {
	Record    record.Record
	Decisions []Decision
	// Changed is true when the record differs from the input, including
	// evidence bookkeeping that does not alter any value.
	Changed bool
}

// Accepted returns the accepted decisions.
func (o Outcome) Accepted() []Decision {
	out := make([]Decision, 0, len(o.Decisions))
	for _, d := range o.Decisions {
		if d.Accepted {
			out = append(out, d)
		}
	}
	return out
}

// Engine applies the acceptance policy against a fixed schema.
type Engine struct {
	schema *record.Schema
	margin int
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMargin sets the correction margin K. Negative values are ignored.
func WithMargin(k int) Option {
	return func(e *Engine) {
		if k >= 0 {
			e.margin = k
		}
	}
}

// WithClock overrides the time source for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a merge engine for schema.
func NewEngine(schema *record.Schema, opts ...Option) *Engine {
	e := &Engine{
		schema: schema,
		margin: DefaultMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema returns the schema the engine validates against.
func (e *Engine) Schema() *record.Schema {
	return e.schema
}

// Margin returns the configured correction margin.
func (e *Engine) Margin() int {
	return e.margin
}

// Apply merges result into rec and returns a new record. rec is not modified.
// Version is left untouched; committing is the guard's job.
func (e *Engine) Apply(rec record.Record, result record.ExtractionResult, mode Mode) Outcome {
	next := rec.Clone()
	if next.Fields == nil {
		next.Fields = make(map[string]record.FieldValue)
	}
	out := Outcome{Record: next}

	names := make([]string, 0, len(result.Fields))
	for name := range result.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	// Several declared names may resolve to one primary. The primary's own
	// proposal wins, otherwise the first alias in sorted order.
	seen := make(map[string]string)
	ordered := make([]string, 0, len(names))
	for _, name := range names {
		spec, ok := e.schema.Resolve(name)
		if !ok {
			out.Decisions = append(out.Decisions, Decision{
				Field:    name,
				NewValue: display(result.Fields[name]),
				Reason:   ReasonUnknownField,
			})
			continue
		}
		if prev, dup := seen[spec.Name]; dup {
			if name == spec.Name {
				seen[spec.Name] = name
				out.Decisions = append(out.Decisions, duplicateAlias(prev, result.Fields[prev]))
			} else {
				out.Decisions = append(out.Decisions, duplicateAlias(name, result.Fields[name]))
			}
			continue
		}
		seen[spec.Name] = name
		ordered = append(ordered, spec.Name)
	}

	now := e.now().UTC()
	for _, primary := range ordered {
		name := seen[primary]
		spec, _ := e.schema.Resolve(primary)
		d, changed := e.applyField(&out.Record, spec, name, result.Fields[name], result.Phase, mode, now)
		out.Decisions = append(out.Decisions, d)
		if changed {
			out.Changed = true
		}
	}
	return out
}

func duplicateAlias(name string, p record.Proposal) Decision {
	return Decision{Field: name, NewValue: display(p), Reason: ReasonDuplicateAlias}
}

func (e *Engine) applyField(rec *record.Record, spec record.FieldSpec, name string, p record.Proposal, phase string, mode Mode, now time.Time) (Decision, bool) {
	current := rec.Fields[spec.Name]
	d := Decision{
		Field:    name,
		OldValue: current.Display(),
		NewValue: display(p),
	}

	if p.IsEmpty() {
		d.Reason = ReasonNoEvidence
		return d, false
	}

	confidence := p.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = record.DefaultConfidence
	}

	switch spec.Kind {
	case record.KindSet:
		items := proposalItems(p)
		next, added := union(current.Items, items)
		if len(added) == 0 {
			d.Reason = ReasonNoNewItems
			return d, false
		}
		switch {
		case mode == ModeExplicit:
			d.Reason = ReasonExplicitEdit
		case current.IsEmpty():
			d.Reason = ReasonEmptyField
		default:
			d.Reason = ReasonSetUnion
		}
		current.Items = next
		current.EvidenceCount++
		current.Confidence = maxf(current.Confidence, confidence)
		current.SourcePhase = phase
		current.UpdatedAt = now
		if mode == ModeExplicit {
			current.Confidence = 1
		}
		rec.Fields[spec.Name] = current
		d.Accepted = true
		d.NewValue = current.Display()
		d.Evidence = current.EvidenceCount
		return d, true

	default:
		if len(p.Items) > 0 && strings.TrimSpace(p.Text) == "" {
			d.Reason = ReasonTypeMismatch
			return d, false
		}
		text := strings.TrimSpace(p.Text)
		d.NewValue = text
		if mode == ModeExplicit {
			return e.applyEdit(rec, spec, current, text, phase, now, d)
		}
		return e.applyScalar(rec, spec, current, text, confidence, phase, now, d)
	}
}

func (e *Engine) applyScalar(rec *record.Record, spec record.FieldSpec, current record.FieldValue, text string, confidence float64, phase string, now time.Time, d Decision) (Decision, bool) {
	if current.IsEmpty() {
		rec.Fields[spec.Name] = record.FieldValue{
			Text:          text,
			SourcePhase:   phase,
			Confidence:    confidence,
			EvidenceCount: 1,
			Candidates:    current.Candidates,
			UpdatedAt:     now,
		}
		d.Accepted = true
		d.Reason = ReasonEmptyField
		d.Evidence = 1
		return d, true
	}

	if record.NormalizeText(current.Text) == record.NormalizeText(text) {
		current.EvidenceCount++
		current.Confidence = maxf(current.Confidence, confidence)
		rec.Fields[spec.Name] = current
		d.Reason = ReasonUnchanged
		d.Evidence = current.EvidenceCount
		return d, true
	}

	if !spec.Correctable {
		d.Reason = ReasonStableField
		return d, false
	}
	if current.Pinned {
		d.Reason = ReasonPinned
		return d, false
	}

	key := record.NormalizeText(text)
	idx := -1
	for i, c := range current.Candidates {
		if record.NormalizeText(c.Text) == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		current.Candidates = append(current.Candidates, record.Candidate{Text: text})
		idx = len(current.Candidates) - 1
	}
	cand := &current.Candidates[idx]
	cand.EvidenceCount++
	cand.Confidence = maxf(cand.Confidence, confidence)
	cand.LastSeen = now
	d.Evidence = cand.EvidenceCount

	if cand.EvidenceCount <= current.EvidenceCount+e.margin {
		rec.Fields[spec.Name] = current
		d.Reason = ReasonInsufficient
		return d, true
	}

	winner := *cand
	losers := make([]record.Candidate, 0, len(current.Candidates))
	for i, c := range current.Candidates {
		if i != idx {
			losers = append(losers, c)
		}
	}
	losers = append(losers, record.Candidate{
		Text:          current.Text,
		EvidenceCount: current.EvidenceCount,
		Confidence:    current.Confidence,
		LastSeen:      current.UpdatedAt,
	})

	rec.Fields[spec.Name] = record.FieldValue{
		Text:          winner.Text,
		SourcePhase:   phase,
		Confidence:    winner.Confidence,
		EvidenceCount: winner.EvidenceCount,
		Candidates:    losers,
		UpdatedAt:     now,
	}
	d.Accepted = true
	d.Reason = ReasonCorrection
	return d, true
}

func (e *Engine) applyEdit(rec *record.Record, spec record.FieldSpec, current record.FieldValue, text, phase string, now time.Time, d Decision) (Decision, bool) {
	same := record.NormalizeText(current.Text) == record.NormalizeText(text)
	if same && current.Pinned {
		d.Reason = ReasonUnchanged
		return d, false
	}

	evidence := 1
	if same {
		evidence = current.EvidenceCount + 1
	}
	rec.Fields[spec.Name] = record.FieldValue{
		Text:          text,
		SourcePhase:   phase,
		Confidence:    1,
		EvidenceCount: evidence,
		Pinned:        true,
		UpdatedAt:     now,
	}
	d.Accepted = true
	d.Reason = ReasonExplicitEdit
	d.Evidence = evidence
	return d, true
}

// proposalItems returns the set items of p. A bare scalar is treated as one item.
func proposalItems(p record.Proposal) []string {
	items := make([]string, 0, len(p.Items)+1)
	if t := strings.TrimSpace(p.Text); t != "" {
		items = append(items, t)
	}
	for _, it := range p.Items {
		if t := strings.TrimSpace(it); t != "" {
			items = append(items, t)
		}
	}
	return items
}

// union appends items not already present (by normalized text) and returns
// the merged slice plus the newly added items.
func union(existing, items []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(existing)+len(items))
	for _, it := range existing {
		seen[record.NormalizeText(it)] = struct{}{}
	}
	merged := append([]string(nil), existing...)
	var added []string
	for _, it := range items {
		key := record.NormalizeText(it)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, it)
		added = append(added, it)
	}
	return merged, added
}

func display(p record.Proposal) string {
	if len(p.Items) > 0 {
		return strings.Join(p.Items, "; ")
	}
	return p.Text
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
