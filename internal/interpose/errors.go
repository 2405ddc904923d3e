package interpose

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// YieldAcrossBoundary is the reserved error message a handler raises when it
// wants to suspend but runs below a native frame that cannot yield. The
// dispatch stub turns it into a suspension of its own frame.
const YieldAcrossBoundary = "attempt to yield across a C-call boundary"

// Kind classifies engine failures.
type Kind int

const (
	// KindArgument covers wrong types, non-callables and slot-count violations.
	KindArgument Kind = iota + 1
	// KindUnsupportedTransition is a variant pair with no enabled strategy.
	KindUnsupportedTransition
	// KindCompile is a failure to synthesize a forwarding program.
	KindCompile
	// KindMissingRegistration is a restore without a saved snapshot.
	KindMissingRegistration
	// KindRuntime is an error raised by a handler invoked through a stub.
	KindRuntime
)

// Sentinel errors, one per Kind, for use with errors.Is.
var (
	ErrArgument              = errors.New("argument error")
	ErrUnsupportedTransition = errors.New("unsupported transition")
	ErrCompile               = errors.New("compile error")
	ErrMissingRegistration   = errors.New("missing registration")
	ErrRuntime               = errors.New("runtime error")

	// ErrAlreadyAttached is returned by New when the state already has an engine.
	ErrAlreadyAttached = errors.New("interpose: engine already attached to this state")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("interpose: engine is closed")
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown error"
}

func (k Kind) sentinel() error {
	switch k {
	case KindArgument:
		return ErrArgument
	case KindUnsupportedTransition:
		return ErrUnsupportedTransition
	case KindCompile:
		return ErrCompile
	case KindMissingRegistration:
		return ErrMissingRegistration
	case KindRuntime:
		return ErrRuntime
	}
	return nil
}

// Error is the error type returned by Engine operations.
type Error struct {
	Kind    Kind
	Op      string // "hook", "restore", "wrap", ...
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func argumentError(op, format string, args ...any) *Error {
	return &Error{Kind: KindArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// ScriptError is the structured form of an error raised inside the VM.
// It is built once at the VM boundary; Error formats it for people.
type ScriptError struct {
	Source    string     // chunk name of the raising location, if known
	Line      int        // line of the raising location, 0 if unknown
	Message   string     // message without location or traceback
	Traceback string     // captured call stack, if any
	Object    lua.LValue // the raw error value when it was not a string
}

func (e *ScriptError) Error() string {
	if e.Source != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Message)
	}
	return e.Message
}

// Unwrap lets errors.Is match ErrRuntime.
func (e *ScriptError) Unwrap() error { return ErrRuntime }

// locationPrefix matches a leading "source:line:" as produced by the VM.
var locationPrefix = regexp.MustCompile(`^([^:\n]+):(\d+):\s?`)

const tracebackMarker = "stack traceback:"

// NewScriptError converts an error returned by the VM into a ScriptError.
// Errors that are already ScriptErrors are returned unchanged.
func NewScriptError(err error) *ScriptError {
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}

	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return parseScriptMessage(err.Error())
	}

	str, ok := apiErr.Object.(lua.LString)
	if !ok && apiErr.Object != nil && apiErr.Object != lua.LNil {
		return &ScriptError{
			Message:   apiErr.Object.String(),
			Traceback: strings.TrimSpace(apiErr.StackTrace),
			Object:    apiErr.Object,
		}
	}

	se = parseScriptMessage(string(str))
	if se.Traceback == "" {
		se.Traceback = strings.TrimSpace(apiErr.StackTrace)
	}
	return se
}

func parseScriptMessage(msg string) *ScriptError {
	se := &ScriptError{}
	if idx := strings.Index(msg, "\n"+tracebackMarker); idx >= 0 {
		se.Traceback = strings.TrimSpace(msg[idx+1:])
		msg = msg[:idx]
	}
	msg = strings.TrimLeft(msg, " ")

	if m := locationPrefix.FindStringSubmatch(msg); m != nil {
		line, err := strconv.Atoi(m[2])
		if err == nil {
			se.Source = m[1]
			se.Line = line
			msg = msg[len(m[0]):]
		}
	}
	se.Message = msg
	return se
}

// Suspension is raised by a handler to suspend the stub that invoked it.
// Values are handed to whoever resumes the suspended coroutine.
type Suspension struct {
	Values []lua.LValue
}

func (s *Suspension) Error() string { return YieldAcrossBoundary }

// Suspend raises a suspension signal from inside a handler. It does not return.
func Suspend(L *lua.LState, values ...lua.LValue) {
	ud := L.NewUserData()
	ud.Value = &Suspension{Values: values}
	L.Error(ud, 1)
}

// asSuspension reports whether a VM error carries a suspension signal.
func asSuspension(err error) (*Suspension, bool) {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	ud, ok := apiErr.Object.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	s, ok := ud.Value.(*Suspension)
	return s, ok
}
