package vm

import (
	"strings"
	"testing"
)

// emitDictMiss emits bytecode that raises KeyError by looking up a key
// in an empty dict.
func emitDictMiss(b *CodeBuilder) {
	b.EmitByte(OpNewDict, 0)
	b.EmitUint16(OpLoadConst, b.StringConst("missing"))
	b.Emit(OpIndexGet)
}

func TestHandlerCatchesError(t *testing.T) {
	// protected: dict miss; handler: return 42.
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop) // discard the caught error value
	b.EmitInt8(OpLoadInt8, 42)
	b.Emit(OpReturn)

	if got := mustRun(t, b.Build()); got != int64(42) {
		t.Errorf("handled run = %v; want 42", got)
	}
}

func TestHandlerReceivesErrorValue(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturnNil)
	b.Mark(handler)
	b.Emit(OpReturn) // return the error value itself

	ctx := NewContext(Config{})
	defer ctx.Close()
	out, err := ctx.Run(b.Build())
	if err != nil {
		t.Fatal(err)
	}
	ref, ok := out.(*Ref)
	if !ok {
		t.Fatalf("caught error came out as %T; want *Ref", out)
	}
	defer ref.Release()
	rerr, ok := ref.RuntimeError()
	if !ok {
		t.Fatal("ref does not hold an error value")
	}
	if rerr.Kind != ErrKey {
		t.Errorf("caught kind = %s; want KeyError", rerr.Kind)
	}
	if !strings.Contains(rerr.Message, "missing") {
		t.Errorf("error message %q does not name the key", rerr.Message)
	}
}

func TestKindFilteredHandler(t *testing.T) {
	// An IndexError-only handler must not catch KeyError.
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrIndex, handler)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, -1)
	b.Emit(OpReturn)

	runExpectError(t, b.Build(), ErrKey)
}

func TestKindFilteredHandlerMatches(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrKey, handler)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, 7)
	b.Emit(OpReturn)

	if got := mustRun(t, b.Build()); got != int64(7) {
		t.Errorf("KeyError-filtered handler = %v; want 7", got)
	}
}

func TestClosedRegionDoesNotCatch(t *testing.T) {
	// The handler region is closed before the fault.
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	b.Emit(OpPopHandler)
	emitDictMiss(b)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, -1)
	b.Emit(OpReturn)

	runExpectError(t, b.Build(), ErrKey)
}

func TestHandlerUnwindsCalleeFrames(t *testing.T) {
	// The fault happens two calls deep; the handler sits in main.
	inner := NewCodeBuilder("inner", 0)
	emitDictMiss(inner)
	inner.Emit(OpReturn)

	outer := NewCodeBuilder("outer", 0)
	innerChild := outer.Child(inner.Build())
	outer.EmitByte(OpLoadCode, innerChild)
	outer.Emit(OpMakeClosure)
	outer.EmitByte(OpCall, 0)
	outer.Emit(OpReturn)

	b := NewCodeBuilder("main", 0)
	outerChild := b.Child(outer.Build())
	handler := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	b.EmitByte(OpLoadCode, outerChild)
	b.Emit(OpMakeClosure)
	b.EmitByte(OpCall, 0)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, 13)
	b.Emit(OpReturn)

	if got := mustRun(t, b.Build()); got != int64(13) {
		t.Errorf("cross-frame catch = %v; want 13", got)
	}
}

func TestHandlerRestoresOperandStack(t *testing.T) {
	// Values pushed inside the protected region are discarded on catch;
	// the value pushed before PUSH_HANDLER survives.
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitInt8(OpLoadInt8, 5)
	b.EmitPushHandler(ErrAny, handler)
	b.EmitInt8(OpLoadInt8, 100)
	b.EmitInt8(OpLoadInt8, 99)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpPop) // error value
	b.Emit(OpReturn)

	if got := mustRun(t, b.Build()); got != int64(5) {
		t.Errorf("surviving stack value = %v; want 5", got)
	}
}

func TestRaiseReraisesCaughtError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpReturn)
	b.Mark(handler)
	b.Emit(OpRaise) // rethrow the caught error

	runExpectError(t, b.Build(), ErrKey)
}

func TestNestedHandlersCatchInOrder(t *testing.T) {
	// The inner handler re-raises; the outer one catches.
	b := NewCodeBuilder("main", 0)
	outerH := b.NewLabel()
	innerH := b.NewLabel()
	b.EmitPushHandler(ErrAny, outerH)
	b.EmitPushHandler(ErrAny, innerH)
	emitDictMiss(b)
	b.Emit(OpPopHandler)
	b.Emit(OpPopHandler)
	b.Emit(OpReturnNil)
	b.Mark(innerH)
	b.Emit(OpRaise)
	b.Mark(outerH)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, 2)
	b.Emit(OpReturn)

	if got := mustRun(t, b.Build()); got != int64(2) {
		t.Errorf("outer handler result = %v; want 2", got)
	}
}

func TestRaiseNonErrorIsTypeError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitInt8(OpLoadInt8, 3)
	b.Emit(OpRaise)
	runExpectError(t, b.Build(), ErrType)
}

func TestUncaughtErrorCarriesTrace(t *testing.T) {
	g := NewCodeBuilder("g", 0)
	emitDictMiss(g)
	g.Emit(OpReturn)

	f := NewCodeBuilder("f", 0)
	gChild := f.Child(g.Build())
	f.EmitByte(OpLoadCode, gChild)
	f.Emit(OpMakeClosure)
	f.EmitByte(OpCall, 0)
	f.Emit(OpReturn)

	b := NewCodeBuilder("main", 0)
	fChild := b.Child(f.Build())
	b.EmitByte(OpLoadCode, fChild)
	b.Emit(OpMakeClosure)
	b.EmitByte(OpCall, 0)
	b.Emit(OpReturn)

	rerr := runExpectError(t, b.Build(), ErrKey)
	if len(rerr.Trace) != 3 {
		t.Fatalf("trace depth = %d; want 3 (%v)", len(rerr.Trace), rerr.Trace)
	}
	if rerr.Trace[0].Function != "g" || rerr.Trace[1].Function != "f" || rerr.Trace[2].Function != "main" {
		t.Errorf("trace order = %v; want g, f, main", rerr.Trace)
	}
	if !strings.Contains(rerr.Error(), "at g+") {
		t.Errorf("formatted error %q lacks trace lines", rerr.Error())
	}
}

func TestBudgetExhaustionIsNotCatchable(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	handler := b.NewLabel()
	loop := b.NewLabel()
	b.EmitPushHandler(ErrAny, handler)
	b.Mark(loop)
	b.EmitJump(OpJump, loop)
	b.Mark(handler)
	b.Emit(OpPop)
	b.EmitInt8(OpLoadInt8, -1)
	b.Emit(OpReturn)

	ctx := NewContext(Config{StepBudget: 50})
	defer ctx.Close()
	_, err := ctx.Run(b.Build())
	rerr, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("expected RuntimeError, got %T: %v", err, err)
	}
	if rerr.Kind != ErrResourceExhausted {
		t.Errorf("kind = %s; want ResourceExhaustedError", rerr.Kind)
	}
}

func TestRecoverableClassification(t *testing.T) {
	for _, k := range []ErrorKind{ErrType, ErrArity, ErrIndex, ErrKey,
		ErrAttribute, ErrOverflow, ErrStackOverflow, ErrClassDefinition} {
		if !k.Recoverable() {
			t.Errorf("%s should be recoverable", k)
		}
	}
	for _, k := range []ErrorKind{ErrResourceExhausted, ErrCancelled} {
		if k.Recoverable() {
			t.Errorf("%s must not be recoverable", k)
		}
	}
}
