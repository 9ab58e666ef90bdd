package record

import (
	"strings"
	"time"
	"unicode"
)

// DefaultConfidence is used when an extraction carries no confidence estimate.
const DefaultConfidence = 0.5

// Candidate is a competing value for a correctable field.
type Candidate struct {
	Text          string    `json:"text"`
	EvidenceCount int       `json:"evidence_count"`
	Confidence    float64   `json:"confidence"`
	LastSeen      time.Time `json:"last_seen"`
}

// FieldValue is the accumulated state of one canonical field.
type FieldValue struct {
	Text          string      `json:"text,omitempty"`
	Items         []string    `json:"items,omitempty"`
	SourcePhase   string      `json:"source_phase,omitempty"`
	Confidence    float64     `json:"confidence"`
	EvidenceCount int         `json:"evidence_count"`
	Pinned        bool        `json:"pinned,omitempty"`
	Candidates    []Candidate `json:"candidates,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// IsEmpty reports whether the field holds no value.
func (v FieldValue) IsEmpty() bool {
	return strings.TrimSpace(v.Text) == "" && len(v.Items) == 0
}

// Display renders the value as a single string for audit entries.
func (v FieldValue) Display() string {
	if len(v.Items) > 0 {
		return strings.Join(v.Items, "; ")
	}
	return v.Text
}

// Clone returns a deep copy.
func (v FieldValue) Clone() FieldValue {
	out := v
	if v.Items != nil {
		out.Items = append([]string(nil), v.Items...)
	}
	if v.Candidates != nil {
		out.Candidates = append([]Candidate(nil), v.Candidates...)
	}
	return out
}

// Record is the canonical record of a session.
type Record struct {
	Fields  map[string]FieldValue `json:"fields"`
	Version int64                 `json:"version"`
}

// New returns an empty record at version 0.
func New() Record {
	return Record{Fields: make(map[string]FieldValue)}
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{
		Fields:  make(map[string]FieldValue, len(r.Fields)),
		Version: r.Version,
	}
	for k, v := range r.Fields {
		out.Fields[k] = v.Clone()
	}
	return out
}

// Get returns the value stored for name, resolving aliases.
func (r Record) Get(schema *Schema, name string) (FieldValue, bool) {
	spec, ok := schema.Resolve(name)
	if !ok {
		return FieldValue{}, false
	}
	v, ok := r.Fields[spec.Name]
	return v, ok
}

// Flatten fans values out to every declared name. Aliases receive the same
// value as their primary.
func (r Record) Flatten(schema *Schema) map[string]FieldValue {
	out := make(map[string]FieldValue, schema.Len())
	for _, spec := range schema.Fields() {
		v, ok := r.Fields[spec.Name]
		if !ok || v.IsEmpty() {
			continue
		}
		out[spec.Name] = v.Clone()
		for _, alias := range spec.Aliases {
			out[alias] = v.Clone()
		}
	}
	return out
}

// FilledCount returns the number of declared names with a non-empty value.
func (r Record) FilledCount(schema *Schema) int {
	n := 0
	for _, spec := range schema.Fields() {
		if v, ok := r.Fields[spec.Name]; ok && !v.IsEmpty() {
			n += 1 + len(spec.Aliases)
		}
	}
	return n
}

// Completion is |non-empty declared fields| / |declared fields|, computed from
// this record only. Every alias is a declared name in its own right, so a
// filled aliased field counts once per name, matching the flattened view
// handed to callers.
func (r Record) Completion(schema *Schema) float64 {
	total := schema.Len()
	if total == 0 {
		return 0
	}
	return float64(r.FilledCount(schema)) / float64(total)
}

// Proposal is one field value produced by an extraction.
type Proposal struct {
	Text       string   `json:"text,omitempty"`
	Items      []string `json:"items,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// IsEmpty reports whether the proposal carries no evidence.
func (p Proposal) IsEmpty() bool {
	if strings.TrimSpace(p.Text) != "" {
		return false
	}
	for _, item := range p.Items {
		if strings.TrimSpace(item) != "" {
			return false
		}
	}
	return true
}

// Scalar returns a scalar proposal.
func Scalar(text string) Proposal {
	return Proposal{Text: text}
}

// Set returns a set proposal.
func Set(items ...string) Proposal {
	return Proposal{Items: items}
}

// ExtractionResult is the partial field map produced by one adapter call.
// A field missing from Fields means no evidence, never "clear this field".
type ExtractionResult struct {
	Fields      map[string]Proposal `json:"fields"`
	WindowStart int64               `json:"window_start"`
	WindowEnd   int64               `json:"window_end"`
	Phase       string              `json:"phase,omitempty"`
	ExtractedAt time.Time           `json:"extracted_at"`
	Final       bool                `json:"final,omitempty"`
}

// NormalizeText folds case and collapses whitespace for comparisons.
func NormalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}
