package pipelineerr

import (
	"errors"
	"fmt"
)

var (
	// ErrCapture marks a per-tick failure to obtain a frame from the source.
	ErrCapture = errors.New("capture failed")

	// ErrInference marks a per-tick failure inside the inference engine.
	ErrInference = errors.New("inference failed")
)

// ConfigurationError is fatal: the session must not start, or must be torn down.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func Configuration(reason string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(reason, args...)}
}

// LabelMismatch is returned when the label table does not line up with the
// score vector produced by the engine.
func LabelMismatch(labels, scores int) error {
	return Configuration("label table has %d entries, but the model produces %d scores", labels, scores)
}

// StatePreconditionError signals a programming error or an unsupported
// interleaving of lifecycle calls (double start, start during stop, ...).
type StatePreconditionError struct {
	Op string
	// Subject defaults to "session".
	Subject string
	State   string
}

func (e *StatePreconditionError) Error() string {
	subject := e.Subject
	if subject == "" {
		subject = "session"
	}
	return fmt.Sprintf("cannot %s: %s is %s", e.Op, subject, e.State)
}

func StatePrecondition(op, state string) error {
	return &StatePreconditionError{Op: op, State: state}
}

// GateNotHeld is the panic value of an Exit without a matching TryEnter.
func GateNotHeld(gate string) error {
	return &StatePreconditionError{Op: "exit", Subject: fmt.Sprintf("gate '%s'", gate), State: "not held"}
}

func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
