package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// ExecutionContext: isolated execution environment
// ---------------------------------------------------------------------------

// Config carries the tunable limits of a context. Zero values select the
// defaults (unmetered budget, DefaultMaxFrames, DefaultHeapGrowth).
type Config struct {
	StepBudget uint64 // instruction fetches per budget window, 0 = unlimited
	MaxFrames  int    // call depth limit
	HeapGrowth int    // allocations between automatic collections
}

// DefaultHeapGrowth is the allocation count that triggers an automatic
// collection when the config does not say otherwise.
const DefaultHeapGrowth = 1024

// ExecutionContext owns a heap, a global table, and an interpreter.
// Contexts share nothing: a Value from one context is meaningless in
// another, and the only way data crosses the boundary is by deep copy
// through the host API. Run and Invoke are serialized; Cancel may be
// called from any goroutine.
type ExecutionContext struct {
	id      string
	heap    *Heap
	globals map[string]Value
	interp  *Interpreter
	budget  *Budget

	cancelled atomic.Bool

	mu     sync.Mutex
	pins   map[uint32]int // heap slot -> pin count for host-held refs
	closed bool
}

// NewContext creates an isolated execution context.
func NewContext(cfg Config) *ExecutionContext {
	growth := cfg.HeapGrowth
	if growth == 0 {
		growth = DefaultHeapGrowth
	}
	ctx := &ExecutionContext{
		id:      uuid.NewString(),
		heap:    NewHeap(growth),
		globals: make(map[string]Value),
		budget:  NewBudget(cfg.StepBudget),
		pins:    make(map[uint32]int),
	}
	ctx.interp = NewInterpreter(ctx.heap, ctx.globals, ctx.budget, &ctx.cancelled)
	if cfg.MaxFrames > 0 {
		ctx.interp.SetMaxFrames(cfg.MaxFrames)
	}
	ctx.heap.SetRoots(func(visit func(Value), visitCell func(*Cell)) {
		ctx.interp.visitRoots(visit, visitCell)
		for _, v := range ctx.globals {
			visit(v)
		}
		for id := range ctx.pins {
			visit(FromObjectID(id))
		}
	})
	return ctx
}

// ID returns the context's unique identifier.
func (ctx *ExecutionContext) ID() string {
	return ctx.id
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Run validates and executes a top-level code object, returning its
// result as a host value.
func (ctx *ExecutionContext) Run(code *CodeObject) (any, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return nil, fmt.Errorf("context %s is closed", ctx.id)
	}
	if err := code.Validate(); err != nil {
		return nil, err
	}
	result, rerr := ctx.interp.RunCode(code)
	if rerr != nil {
		return nil, rerr
	}
	return ctx.copyOut(result)
}

// Invoke calls a global function by name with host arguments.
func (ctx *ExecutionContext) Invoke(name string, args ...any) (any, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return nil, fmt.Errorf("context %s is closed", ctx.id)
	}
	fn, ok := ctx.globals[name]
	if !ok {
		return nil, fmt.Errorf("context %s: no global %q", ctx.id, name)
	}
	return ctx.call(fn, args)
}

// call runs a function value with copied-in arguments. Caller holds mu.
func (ctx *ExecutionContext) call(fn Value, args []any) (any, error) {
	// Copied-in arguments are scratch-rooted until CallValue places
	// them on the operand stack; copying a later argument may collect.
	vals := make([]Value, 0, len(args))
	defer func() { ctx.heap.popScratch(len(vals)) }()
	for _, a := range args {
		v, err := ctx.copyIn(a)
		if err != nil {
			return nil, err
		}
		ctx.heap.pushScratch(v)
		vals = append(vals, v)
	}
	result, rerr := ctx.interp.CallValue(fn, vals)
	if rerr != nil {
		return nil, rerr
	}
	return ctx.copyOut(result)
}

// SetGlobal installs a host value as a global.
func (ctx *ExecutionContext) SetGlobal(name string, v any) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.closed {
		return fmt.Errorf("context %s is closed", ctx.id)
	}
	val, err := ctx.copyIn(v)
	if err != nil {
		return err
	}
	ctx.globals[name] = val
	return nil
}

// Global reads a global as a host value. Returns nil, false if unset.
func (ctx *ExecutionContext) Global(name string) (any, bool, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	v, ok := ctx.globals[name]
	if !ok {
		return nil, false, nil
	}
	out, err := ctx.copyOut(v)
	return out, true, err
}

// SetStepBudget resets the instruction budget to a fresh limit.
func (ctx *ExecutionContext) SetStepBudget(limit uint64) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.budget.Reset(limit)
}

// StepsUsed returns the instruction fetches consumed so far.
func (ctx *ExecutionContext) StepsUsed() uint64 {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.budget.Used()
}

// Cancel interrupts the context: the in-flight run (and any later one)
// fails with CancelledError until ClearCancel. Safe to call from any
// goroutine, including while Run holds the context lock.
func (ctx *ExecutionContext) Cancel() {
	ctx.cancelled.Store(true)
}

// ClearCancel re-arms the context after a Cancel.
func (ctx *ExecutionContext) ClearCancel() {
	ctx.cancelled.Store(false)
}

// Collect forces a full garbage collection and returns the number of
// objects reclaimed.
func (ctx *ExecutionContext) Collect() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.heap.Collect()
}

// LiveObjects returns the number of live heap objects.
func (ctx *ExecutionContext) LiveObjects() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.heap.LiveObjects()
}

// Close tears the context down. Every Ref into it is invalidated and all
// heap storage is released at once.
func (ctx *ExecutionContext) Close() {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.closed = true
	ctx.heap = NewHeap(0)
	ctx.globals = map[string]Value{}
	ctx.pins = map[uint32]int{}
}

// ---------------------------------------------------------------------------
// Refs: pinned host handles to context values
// ---------------------------------------------------------------------------

// Ref is a host-side handle to a function, class, instance, or error
// living inside a context. The referenced object is pinned against
// collection until Release.
type Ref struct {
	ctx      *ExecutionContext
	val      Value
	released atomic.Bool
}

func (ctx *ExecutionContext) pin(v Value) *Ref {
	ctx.pins[v.ObjectID()]++
	return &Ref{ctx: ctx, val: v}
}

// Kind returns the discriminant of the referenced value.
func (r *Ref) Kind() Kind {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	return r.ctx.heap.KindOf(r.val)
}

// Call invokes the referenced value as a function with host arguments.
func (r *Ref) Call(args ...any) (any, error) {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	if r.released.Load() || r.ctx.closed {
		return nil, fmt.Errorf("ref into context %s is no longer valid", r.ctx.id)
	}
	return r.ctx.call(r.val, args)
}

// RuntimeError returns the boxed error when the ref points at an error
// value.
func (r *Ref) RuntimeError() (*RuntimeError, bool) {
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	return r.ctx.heap.Error(r.val)
}

// Release unpins the referenced object. Idempotent.
func (r *Ref) Release() {
	if r.released.Swap(true) {
		return
	}
	r.ctx.mu.Lock()
	defer r.ctx.mu.Unlock()
	id := r.val.ObjectID()
	if n := r.ctx.pins[id]; n > 1 {
		r.ctx.pins[id] = n - 1
	} else {
		delete(r.ctx.pins, id)
	}
}

// ---------------------------------------------------------------------------
// Host boundary conversion
// ---------------------------------------------------------------------------

// copyIn converts a host value to a context Value by deep copy. Accepted
// host types: nil, bool, int, int64, string, []any, map[any]any, and
// *Ref handles into this same context.
func (ctx *ExecutionContext) copyIn(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Nil, nil
	case bool:
		if x {
			return FromInt(1), nil
		}
		return FromInt(0), nil
	case int:
		return ctx.intIn(int64(x))
	case int64:
		return ctx.intIn(x)
	case string:
		return ctx.heap.NewString(x), nil
	case []any:
		// The list is allocated empty and scratch-rooted before the
		// elements are copied, so a collection triggered by a nested
		// allocation can neither sweep it nor anything appended so far.
		lv := ctx.heap.NewList(make([]Value, 0, len(x)))
		l, _ := ctx.heap.List(lv)
		ctx.heap.pushScratch(lv)
		defer ctx.heap.popScratch(1)
		for _, e := range x {
			ev, err := ctx.copyIn(e)
			if err != nil {
				return Nil, err
			}
			l.Append(ev)
		}
		return lv, nil
	case map[any]any:
		dv := ctx.heap.NewDict()
		d, _ := ctx.heap.Dict(dv)
		ctx.heap.pushScratch(dv)
		defer ctx.heap.popScratch(1)
		for k, e := range x {
			kv, err := ctx.copyIn(k)
			if err != nil {
				return Nil, err
			}
			// The key is unreachable until Set; root it while the
			// value's copy may allocate.
			ctx.heap.pushScratch(kv)
			ev, err := ctx.copyIn(e)
			ctx.heap.popScratch(1)
			if err != nil {
				return Nil, err
			}
			if !d.Set(ctx.heap, kv, ev) {
				return Nil, fmt.Errorf("unhashable dict key of type %T", k)
			}
		}
		return dv, nil
	case *Ref:
		if x.ctx != ctx {
			return Nil, fmt.Errorf("ref belongs to context %s, not %s", x.ctx.id, ctx.id)
		}
		if x.released.Load() {
			return Nil, fmt.Errorf("ref into context %s was released", ctx.id)
		}
		return x.val, nil
	default:
		return Nil, fmt.Errorf("unsupported host value type %T", v)
	}
}

func (ctx *ExecutionContext) intIn(n int64) (Value, error) {
	v, ok := TryFromInt(n)
	if !ok {
		return Nil, fmt.Errorf("integer %d outside the 48-bit value range", n)
	}
	return v, nil
}

// copyOut converts a context Value to a host value. Data values (nil,
// integers, strings, lists, dicts) are deep-copied; behavioral values
// (functions, classes, instances, errors) come out as pinned Refs.
// Shared and cyclic list/dict structure is preserved in the copy.
func (ctx *ExecutionContext) copyOut(v Value) (any, error) {
	return ctx.copyOutSeen(v, make(map[uint32]any))
}

func (ctx *ExecutionContext) copyOutSeen(v Value, seen map[uint32]any) (any, error) {
	switch {
	case v == Nil:
		return nil, nil
	case v.IsInt():
		return v.Int(), nil
	}

	id := v.ObjectID()
	if out, ok := seen[id]; ok {
		return out, nil
	}

	switch obj := ctx.heap.Get(v).(type) {
	case *StringObject:
		return obj.Content, nil
	case *ListObject:
		out := make([]any, len(obj.Elems))
		seen[id] = out
		for n, e := range obj.Elems {
			ev, err := ctx.copyOutSeen(e, seen)
			if err != nil {
				return nil, err
			}
			out[n] = ev
		}
		return out, nil
	case *DictObject:
		out := make(map[any]any, obj.Len())
		seen[id] = out
		for _, e := range obj.entries {
			kv, err := ctx.copyOutSeen(e.key, seen)
			if err != nil {
				return nil, err
			}
			ev, err := ctx.copyOutSeen(e.val, seen)
			if err != nil {
				return nil, err
			}
			out[kv] = ev
		}
		return out, nil
	case *FunctionObject, *ClassObject, *InstanceObject, *ErrorObject:
		return ctx.pin(v), nil
	default:
		return nil, fmt.Errorf("cannot export %s value", ctx.heap.KindOf(v))
	}
}
