// Package record defines the canonical record of a consultation: the declared
// field schema, the accumulated field values, and the partial extraction
// results that are merged into it.
//
// # Schema
//
// Every field is declared up front with a fixed kind:
//   - KindScalar: a single string value
//   - KindSet: an ordered, de-duplicated set of strings
//
// Fields may declare aliases. An alias is a second canonical name for the
// same concept (for example "phone" and "contact_phone"); both names share a
// single stored FieldValue, so any change is visible through every alias at
// once.
//
// # Record
//
// A Record is keyed by primary field name only and carries a single version
// for the whole record. Records are values: Clone before mutating a copy that
// was handed out by another component.
//
//	rec := record.New()
//	fv, ok := rec.Get(schema, "contact_phone") // resolves to "phone"
//	ratio := rec.Completion(schema)
package record
