package errors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	defaultHandler *ErrorHandler
	defaultErr     error
	once           sync.Once

	// fallback receives errors when no default handler could be created.
	fallback io.Writer = os.Stderr
)

// GetDefaultHandler returns the process-wide handler, creating it and its
// log file on first use.
func GetDefaultHandler() (*ErrorHandler, error) {
	once.Do(func() {
		defaultHandler, defaultErr = NewErrorHandler()
	})
	return defaultHandler, defaultErr
}

// HandleError reports err on the default handler and returns the exit
// status the process should end with.
func HandleError(err error) int {
	if err == nil {
		return 0
	}
	handler, handlerErr := GetDefaultHandler()
	var exitErr *ExitError
	switch {
	case handlerErr == nil:
		handler.Handle(err)
	case !errors.As(err, &exitErr):
		fmt.Fprintf(fallback, "Error: %s\n", err)
	}
	return ExitCode(err)
}

func resetDefaultHandler() {
	defaultHandler = nil
	defaultErr = nil
	once = sync.Once{}
}
