package audit

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Outcome classifies an audited operation.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// sensitiveKeys are input fields that must never reach the log in
// cleartext.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"smtp_password": {},
}

const redactedValue = "***"

// Log is the append-only operation trail shared by every pipeline component
// for the duration of one run. Entries are JSON lines, written in call
// order; the pipeline is single-threaded so no locking is required.
type Log struct {
	logger zerolog.Logger
	closer io.Closer
}

// New writes entries to w. Used by tests and callers that manage their own
// destination.
func New(w io.Writer) *Log {
	return &Log{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Open appends to the file at path, creating it if needed, so the trail
// survives process restarts.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Record appends one entry. Sensitive input fields are redacted before the
// entry is serialized; the original map is not modified.
func (l *Log) Record(operation string, input map[string]any, outcome Outcome, result string) {
	l.logger.Log().
		Str("operation", operation).
		Str("outcome", string(outcome)).
		Interface("input", redact(input)).
		Str("result", result).
		Send()
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func redact(input map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if _, sensitive := sensitiveKeys[k]; sensitive {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}
