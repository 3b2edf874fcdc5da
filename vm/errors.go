package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies runtime errors. The zero value ErrAny is not an
// error kind itself: it is the handler filter that matches every
// recoverable kind.
type ErrorKind uint8

const (
	ErrAny ErrorKind = iota

	ErrType
	ErrArity
	ErrIndex
	ErrKey
	ErrAttribute
	ErrOverflow
	ErrStackOverflow
	ErrClassDefinition

	// Engine-level interruptions. Program handlers never catch these.
	ErrResourceExhausted
	ErrCancelled
)

var errorKindNames = [...]string{
	ErrAny:               "AnyError",
	ErrType:              "TypeError",
	ErrArity:             "ArityError",
	ErrIndex:             "IndexError",
	ErrKey:               "KeyError",
	ErrAttribute:         "AttributeError",
	ErrOverflow:          "OverflowError",
	ErrStackOverflow:     "StackOverflowError",
	ErrClassDefinition:   "ClassDefinitionError",
	ErrResourceExhausted: "ResourceExhaustedError",
	ErrCancelled:         "CancelledError",
}

// String returns the error kind name.
func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Recoverable reports whether program-level handlers may catch this kind.
// Budget exhaustion and cancellation always unwind to the host.
func (k ErrorKind) Recoverable() bool {
	return k != ErrResourceExhausted && k != ErrCancelled
}

// ---------------------------------------------------------------------------
// RuntimeError
// ---------------------------------------------------------------------------

// TraceEntry is one frame of an error's call trace, recorded innermost
// first at the moment the error was raised.
type TraceEntry struct {
	Function string
	Offset   int // bytecode offset of the faulting instruction
}

// RuntimeError is the structured error produced when execution fails.
// It doubles as the host-facing Go error and, boxed as an ErrorObject,
// as the in-language value delivered to handlers.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Trace   []TraceEntry
}

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	for _, t := range e.Trace {
		fmt.Fprintf(&sb, "\n  at %s+%d", t.Function, t.Offset)
	}
	return sb.String()
}

func newError(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Heap representation
// ---------------------------------------------------------------------------

// ErrorObject boxes a RuntimeError as a heap value so handlers can
// inspect it and RAISE can re-raise it.
type ErrorObject struct {
	Err *RuntimeError
}

func (e *ErrorObject) kind() Kind       { return KindError }
func (e *ErrorObject) each(func(Value)) {}

// NewError allocates an error value in this heap.
func (h *Heap) NewError(err *RuntimeError) Value {
	return h.Alloc(&ErrorObject{Err: err})
}

// Error returns the RuntimeError for v, or false if v is not an error value.
func (h *Heap) Error(v Value) (*RuntimeError, bool) {
	e, ok := h.Get(v).(*ErrorObject)
	if !ok {
		return nil, false
	}
	return e.Err, true
}

// ---------------------------------------------------------------------------
// Handler stack
// ---------------------------------------------------------------------------

// handlerEntry is one open protected region. Entries form an intrusive
// stack threaded through prev; each records the frame and operand-stack
// watermarks to restore when it catches.
type handlerEntry struct {
	kind       ErrorKind // filter; ErrAny catches every recoverable kind
	target     int       // bytecode offset of the handler body
	frameIndex int       // frame that opened the region
	sp         int       // operand stack depth at PUSH_HANDLER
	prev       *handlerEntry
}
