// Package exitcode exports zimi's exit status numbers.
package exitcode

const (
	// Success is returned when zimi finished without error.
	Success = iota
	// Error is returned for any error not categorised otherwise.
	Error
	// UsageError is returned when there was a syntax or usage error in the arguments.
	UsageError
	// NotFound is returned when an archive or entry was not found.
	NotFound
)
