// Package consultation is the session arena behind the transport surface.
//
// A Service owns every live consultation: its lifecycle state, dialogue log,
// record guard, and extraction scheduler. Transports append turns, request
// lifecycle changes, edit fields, and read or subscribe to snapshots. All
// record writes go through the guard, and all state changes go through the
// lifecycle machine.
//
// # Sessions
//
// A session is created on first contact: the first AppendMessage for an
// unknown id persists a session row and starts an ACTIVE consultation.
// Sessions persisted by an earlier process are restored from the store on
// demand, with their record and dialogue.
//
// # Finalization
//
// Confirm, Decline, and Disconnect hand the session to the finalize
// pipeline. While a run is in progress the session rejects appends, edits,
// and lifecycle requests with ErrFinalizing. Once terminal the session is
// released from memory and later reads are served from the store.
//
// # Snapshots
//
// Snapshot reads committed state only. Subscribe returns a channel that
// receives a snapshot after every committed record change and every state
// change. A slow subscriber loses intermediate snapshots, never the latest.
package consultation
