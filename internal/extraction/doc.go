// Package extraction derives partial field maps from a window of dialogue
// turns.
//
// The main components are:
//   - Adapter: the boundary to an external model. Given a window and the field
//     schema it returns only the fields it found evidence for.
//   - LLMAdapter: Adapter over the Anthropic Messages or OpenAI Chat
//     Completions HTTP APIs.
//   - SignalDetector: weighted regex heuristics estimating whether a turn is
//     worth an adapter call.
//
// # Usage
//
//	adapter, err := extraction.NewAdapter(extraction.Config{
//	    Provider: "anthropic",
//	    APIKey:   key,
//	}, logger)
//	fields, err := adapter.Extract(ctx, log.Window(12), schema)
//
// # Failures
//
// Deadline expiry surfaces as *TimeoutError and transport or API failures as
// *AdapterError. IsRetryable reports whether a caller may try again. Output
// that cannot be parsed is a non-retryable AdapterError; callers must skip the
// cycle rather than merge anything.
//
// Values such as "unknown" or "n/a" are dropped. A field is either backed by
// the transcript or absent.
package extraction
