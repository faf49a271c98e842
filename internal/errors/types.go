package errors

import (
	"errors"
	"fmt"
)

var (
	ErrBlueprintNotFound    = errors.New("blueprint file not found")
	ErrBlueprintParseFailed = errors.New("blueprint parsing failed")
	ErrRenderFailed         = errors.New("rendering failed")
	ErrBuildFailed          = errors.New("image build failed")
	ErrRunFailed            = errors.New("container run failed")
	ErrVerifyFailed         = errors.New("image verification failed")
	ErrProvisionFailed      = errors.New("provisioning failed")
	ErrEntrypointFailed     = errors.New("entrypoint failed")
	ErrRuntimeFailed        = errors.New("runtime operation failed")
	ErrConfigInvalid        = errors.New("configuration invalid")
	ErrFileSystemFailed     = errors.New("filesystem operation failed")
)

type BootstrapError struct {
	Type        error
	Context     string
	Cause       string
	Suggestion  string
	OriginalErr error
}

func (e *BootstrapError) Error() string {
	return e.OriginalErr.Error()
}

func (e *BootstrapError) Unwrap() error {
	return e.OriginalErr
}

// Is matches the error kind as well as the wrapped error.
func (e *BootstrapError) Is(target error) bool {
	return e.Type == target
}

func NewBootstrapError(errorType error, context, cause, suggestion string, originalErr error) *BootstrapError {
	return &BootstrapError{
		Type:        errorType,
		Context:     context,
		Cause:       cause,
		Suggestion:  suggestion,
		OriginalErr: originalErr,
	}
}

func NewBlueprintError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrBlueprintNotFound, context, cause, suggestion, originalErr)
}

func NewParseError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrBlueprintParseFailed, context, cause, suggestion, originalErr)
}

func NewRenderError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrRenderFailed, context, cause, suggestion, originalErr)
}

func NewBuildError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrBuildFailed, context, cause, suggestion, originalErr)
}

func NewRunError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrRunFailed, context, cause, suggestion, originalErr)
}

func NewVerifyError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrVerifyFailed, context, cause, suggestion, originalErr)
}

func NewProvisionError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrProvisionFailed, context, cause, suggestion, originalErr)
}

func NewEntrypointError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrEntrypointFailed, context, cause, suggestion, originalErr)
}

func NewRuntimeError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrRuntimeFailed, context, cause, suggestion, originalErr)
}

func NewConfigError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrConfigInvalid, context, cause, suggestion, originalErr)
}

func NewFileSystemError(context, cause, suggestion string, originalErr error) *BootstrapError {
	return NewBootstrapError(ErrFileSystemFailed, context, cause, suggestion, originalErr)
}

// ExitError carries the exit status of the entrypoint script so the CLI can
// exit with it unchanged.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps an error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}
