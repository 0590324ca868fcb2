// Package errs classifies the ways a run can end badly. The orchestrator
// derives a run's terminal outcome from these types with errors.As.
package errs

import (
	"errors"
	"fmt"
)

// ErrCanceled signals supersession or an explicit cancel. It is not a
// failure and yields its own terminal outcome.
var ErrCanceled = errors.New("run canceled")

// ConfigurationError is a problem with the workflow or its credentials
// discovered before anything is executed.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf is shorthand for a ConfigurationError with a formatted reason.
func Configf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// MissingCredentialError is the ConfigurationError raised when a
// declared credential is absent from the secret store.
type MissingCredentialError struct {
	Name string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("configuration error: credential %q is not set", e.Name)
}

// As lets errors.As match a MissingCredentialError as a ConfigurationError.
func (e *MissingCredentialError) As(target any) bool {
	if ce, ok := target.(**ConfigurationError); ok {
		*ce = &ConfigurationError{Reason: fmt.Sprintf("credential %q is not set", e.Name)}
		return true
	}
	return false
}

type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %q failed: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

type StepExecutionError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q exited with status %d", e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// ReportingError covers missing artifacts and transport failures while
// publishing. Fatal errors fail the run; the rest are only surfaced.
type ReportingError struct {
	Target string
	Fatal  bool
	Err    error
}

func (e *ReportingError) Error() string {
	return fmt.Sprintf("%s upload: %v", e.Target, e.Err)
}

func (e *ReportingError) Unwrap() error { return e.Err }

// IsFatal reports whether err should turn the run into a failure.
// Canceled runs and non-fatal reporting errors are not failures.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, ErrCanceled) {
		return false
	}
	var re *ReportingError
	if errors.As(err, &re) && !re.Fatal {
		return false
	}
	return true
}
