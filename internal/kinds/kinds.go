// Package kinds defines the typed failure categories uniprof's orchestrator
// classifies errors into. Plugins and converters return plain errors
// wrapped with one of these kinds via errors.As, never by matching
// message strings.
package kinds

import "fmt"

// Kind tags an error with the exit-code/reporting policy it should
// receive at the outermost record/analyze try.
type Kind int

const (
	_ Kind = iota
	UserInput
	Environment
	PathMapping
	Execution
	Cancellation
	Conversion
	CleanupWarning
)

func (k Kind) String() string {
	switch k {
	case UserInput:
		return "UserInputError"
	case Environment:
		return "EnvironmentError"
	case PathMapping:
		return "PathMappingError"
	case Execution:
		return "ExecutionFailure"
	case Cancellation:
		return "Cancellation"
	case Conversion:
		return "ConversionError"
	case CleanupWarning:
		return "CleanupWarning"
	default:
		return "UnknownError"
	}
}

// Error is the concrete type carried by the orchestrator. Build one with
// New and unwrap with errors.As(&kindError), or test for a specific
// kind with As.
type Error struct {
	Kind     Kind
	Message  string
	Err      error
	ExitCode int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// defaultExitCode mirrors exit-code table.
func defaultExitCode(k Kind) int {
	if k == Cancellation {
		return 130
	}
	return 1
}

func New(k Kind, message string, err error) *Error {
	return &Error{Kind: k, Message: message, Err: err, ExitCode: defaultExitCode(k)}
}

// WithExitCode overrides the default exit code (Cancellation always stays 130).
func (e *Error) WithExitCode(code int) *Error {
	if e.Kind != Cancellation {
		e.ExitCode = code
	}
	return e
}

// As reports whether err, or some error it wraps, is a *Error of kind k.
func As(err error, k Kind) (*Error, bool) {
	var ke *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			ke = e
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	if ke == nil || ke.Kind != k {
		return nil, false
	}
	return ke, true
}
