package logstor

import "errors"

// Error classification per spec.md §7. Callers must classify with
// [errors.Is]; implementations wrap these with additional context.
var (
	// ErrIO indicates the device adapter's read or write failed. Propagated
	// as-is; the core never retries silently.
	ErrIO = errors.New("logstor: io error")

	// ErrFormat indicates a missing signature, version mismatch, or a
	// structural field out of range in the superblock. Segment summaries
	// are decoded without validation and do not produce it. On open this
	// triggers format-and-initialize of a fresh layout on the same device.
	ErrFormat = errors.New("logstor: format error")

	// ErrInvalidArgument indicates a misaligned offset/length, a BA out of
	// range, or a call made after Close. Fatal to the request; no device
	// state is changed.
	ErrInvalidArgument = errors.New("logstor: invalid argument")

	// ErrExhausted indicates seg_free_cnt reached zero without the cleaner
	// making progress.
	ErrExhausted = errors.New("logstor: exhausted")

	// ErrClosed indicates an operation on a [Core] after [Core.Close].
	ErrClosed = errors.New("logstor: closed")
)
