// Package logstor implements a log-structured block storage engine.
//
// It interposes between a block-addressed front end and a sector-addressed
// [Device]. All writes — user payload and the BA->SA forward map that
// resolves them — are appended sequentially into open segments; old
// locations become garbage that a segment cleaner later reclaims. Crash
// recovery replays from a generation-numbered superblock ring, never from
// the log itself.
//
// The core is single-writer and synchronous: [Core] serializes every
// mutating call behind one mutex and never shares mutable state across
// goroutines on its own.
package logstor
