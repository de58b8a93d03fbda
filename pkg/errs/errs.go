// Package errs defines the error kinds shared by the model, the checkpoint
// formats and the binaries. Callers wrap these sentinels with context using
// fmt.Errorf("%w: ...") and match them with errors.Is.
package errs

import "errors"

var (
	// ErrPrecondition reports invalid caller input: a sequence longer than the
	// block size, an invalid configuration, an unsupported storage dtype, a
	// non-positive temperature or an out-of-range token id.
	ErrPrecondition = errors.New("precondition violation")

	// ErrCheckpointMismatch reports that an external checkpoint does not match
	// the model: missing or unexpected tensor names, or incompatible shapes.
	ErrCheckpointMismatch = errors.New("checkpoint mismatch")

	// ErrExportConstraint reports data that cannot be represented in an
	// interchange format, such as a token longer than 255 bytes.
	ErrExportConstraint = errors.New("export constraint violation")

	// ErrResourceUnavailable reports a missing dataset, checkpoint or
	// tokenizer resource.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrFormat reports an unreadable binary file: unknown magic number,
	// unsupported version or truncated body.
	ErrFormat = errors.New("invalid file format")
)
