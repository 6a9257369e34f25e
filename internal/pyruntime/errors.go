package pyruntime

import (
	"errors"
	"fmt"
)

// Error codes surfaced to the API layer. The UI matches on these strings,
// so they are part of the wire contract.
const (
	CodeUnsafeRequirement = "PYTHON_RUNTIME_UNSAFE_REQUIREMENT"
	CodeInstallFailed     = "PYTHON_RUNTIME_INSTALL_FAILED"
	CodePackageInUse      = "PYTHON_RUNTIME_PACKAGE_IN_USE"
	CodePipUnavailable    = "PYTHON_RUNTIME_PIP_UNAVAILABLE"
)

// Error is the typed failure returned by runtime operations.
type Error struct {
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newUnsafeRequirementError(requirement string, reason string) *Error {
	return &Error{
		Code:       CodeUnsafeRequirement,
		StatusCode: 400,
		Message:    fmt.Sprintf("unsafe requirement %q: %s", requirement, reason),
		Details: map[string]any{
			"requirement": requirement,
			"reason":      reason,
		},
	}
}

func newInstallFailedError(message string, res CommandResult) *Error {
	return &Error{
		Code:       CodeInstallFailed,
		StatusCode: 500,
		Message:    message,
		Details: map[string]any{
			"stdout":   res.Stdout,
			"stderr":   res.Stderr,
			"exitCode": res.ExitCode,
		},
	}
}

func newPackageInUseError(blocked map[string][]DependencyItem) *Error {
	return &Error{
		Code:       CodePackageInUse,
		StatusCode: 409,
		Message:    "one or more packages are required by active skills",
		Details: map[string]any{
			"blocked": blocked,
		},
	}
}

func newPipUnavailableError(finalPipCheck string) *Error {
	return &Error{
		Code:       CodePipUnavailable,
		StatusCode: 500,
		Message:    "managed python runtime is unavailable after repair attempts",
		Details: map[string]any{
			"finalPipCheck": finalPipCheck,
		},
	}
}

// AsRuntimeError unwraps err into a *Error when possible.
func AsRuntimeError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
