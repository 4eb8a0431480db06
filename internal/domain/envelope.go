package domain

import "time"

// Exit codes carried by a ResultEnvelope.
const (
	ExitSuccess     = 0
	ExitMalformed   = 1
	ExitRemoteError = 2
	ExitUnsupported = 127
)

// ResultEnvelope is the uniform result of executing one command.
// Exactly one of Stdout/Stderr is populated on failure.
type ResultEnvelope struct {
	Command   string    `json:"command"`
	ExitCode  int       `json:"exitCode"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Succeeded reports whether the command exited cleanly.
func (e *ResultEnvelope) Succeeded() bool {
	return e.ExitCode == ExitSuccess
}

// Failure builds an envelope for a failed command.
func Failure(command string, exitCode int, code, stderr string, at time.Time) *ResultEnvelope {
	return &ResultEnvelope{
		Command:   command,
		ExitCode:  exitCode,
		Stderr:    stderr,
		ErrorCode: code,
		Timestamp: at,
	}
}
