// Package logfields defines the common logrus field names used across
// kWorker's components so that log lines stay greppable across packages.
package logfields

const (
	// Identifiers

	Name      = "name"
	Operation = "operation"

	JobID    = "jobID"
	ToolPath = "tool"
	ExePath  = "exe"
	ModuleID = "module"

	// files and handles

	Bytes  = "bytes"
	File   = "file"
	Path   = "path"
	Handle = "handle"

	// Common Misc

	Attempt = "attemptNo"

	// Status

	ExitCode = "exitCode"

	// Time

	Duration  = "duration"
	StartTime = "startTime"
	EndTime   = "endTime"

	// Keys/Values

	Field = "field"
	Key   = "key"
	Value = "value"

	// Golang types

	ExpectedType = "expected-type"
)
