package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/petal-labs/flowport/importer"
)

// Process exit codes.
const (
	exitSuccess      = 0
	exitGeneric      = 1
	exitValidation   = 2
	exitFileNotFound = 3
	exitUnknownFmt   = 4
	exitParse        = 5
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitCodeFor maps an import failure to its exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitSuccess
	case errors.Is(err, os.ErrNotExist):
		return exitFileNotFound
	case errors.Is(err, importer.ErrParse), errors.Is(err, importer.ErrRead):
		return exitParse
	case errors.Is(err, importer.ErrUnknownFormat):
		return exitUnknownFmt
	case errors.Is(err, importer.ErrMigration),
		errors.Is(err, importer.ErrFlowConstruction),
		errors.Is(err, importer.ErrEntityConstruction):
		return exitValidation
	default:
		return exitGeneric
	}
}

// importFailure wraps err in an ExitError carrying its mapped code.
func importFailure(err error) *ExitError {
	return exitError(exitCodeFor(err), "%v", err)
}
