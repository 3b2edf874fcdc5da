package vm

import (
	"strconv"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// CallFrame is one activation record. Locals live on the shared operand
// stack starting at bp; promoted locals additionally carry a cell so
// closures can outlive the frame.
type CallFrame struct {
	fnVal   Value // keeps the closure rooted while the frame is live
	fn      *FunctionObject
	code    *CodeObject
	ip      int
	opStart int // offset of the instruction being executed, for traces
	bp      int // stack index of local slot 0
	cells   []*Cell
}

// Default engine limits. Contexts may override both.
const (
	DefaultMaxFrames  = 256
	DefaultStackSlots = 4096
)

// pushHeadroom is the stack space every instruction may assume: no single
// instruction pushes more than this many values net.
const pushHeadroom = 8

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// Interpreter executes bytecode against one context's heap and globals.
// It is not safe for concurrent use; the owning context serializes access.
type Interpreter struct {
	heap    *Heap
	globals map[string]Value

	stack []Value
	sp    int

	frames []CallFrame
	fp     int

	handlers *handlerEntry
	baseFP   int // frame floor of the active execute call

	budget    *Budget
	cancelled *atomic.Bool
	maxFrames int
}

// NewInterpreter creates an interpreter over the given heap and globals.
func NewInterpreter(heap *Heap, globals map[string]Value, budget *Budget, cancelled *atomic.Bool) *Interpreter {
	return &Interpreter{
		heap:      heap,
		globals:   globals,
		stack:     make([]Value, DefaultStackSlots),
		frames:    make([]CallFrame, DefaultMaxFrames),
		budget:    budget,
		cancelled: cancelled,
		maxFrames: DefaultMaxFrames,
	}
}

// SetMaxFrames overrides the call depth limit.
func (i *Interpreter) SetMaxFrames(n int) {
	if n > 0 {
		i.maxFrames = n
		if n > len(i.frames) {
			frames := make([]CallFrame, n)
			copy(frames, i.frames[:i.fp])
			i.frames = frames
		}
	}
}

// visitRoots reports every value and cell the interpreter keeps alive.
func (i *Interpreter) visitRoots(visit func(Value), visitCell func(*Cell)) {
	for s := 0; s < i.sp; s++ {
		visit(i.stack[s])
	}
	for f := 0; f < i.fp; f++ {
		visit(i.frames[f].fnVal)
		for _, c := range i.frames[f].cells {
			if c != nil {
				visitCell(c)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Stack helpers
// ---------------------------------------------------------------------------

func (i *Interpreter) push(v Value) {
	i.stack[i.sp] = v
	i.sp++
}

func (i *Interpreter) pop() Value {
	i.sp--
	return i.stack[i.sp]
}

func (i *Interpreter) peek() Value {
	return i.stack[i.sp-1]
}

// ---------------------------------------------------------------------------
// Error construction
// ---------------------------------------------------------------------------

// throw builds a RuntimeError carrying the call trace of the active run,
// innermost frame first.
func (i *Interpreter) throw(kind ErrorKind, format string, args ...any) *RuntimeError {
	err := newError(kind, format, args...)
	for f := i.fp - 1; f >= i.baseFP; f-- {
		fr := &i.frames[f]
		err.Trace = append(err.Trace, TraceEntry{Function: fr.code.Name, Offset: fr.opStart})
	}
	return err
}

// reraise attaches nothing: a re-raised error keeps its original trace.
func (i *Interpreter) reraise(err *RuntimeError) *RuntimeError {
	if len(err.Trace) == 0 {
		return i.throw(err.Kind, "%s", err.Message)
	}
	return err
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

// pushFrame activates fn with argc arguments already on the stack; the
// callee value sits immediately below them. Checks arity, depth, and
// stack capacity, then reserves the non-parameter local slots.
func (i *Interpreter) pushFrame(fnVal Value, fn *FunctionObject, argc int) *RuntimeError {
	code := fn.Code
	if argc != code.NumParams {
		return i.throw(ErrArity, "%s expects %d arguments, got %d", code.Name, code.NumParams, argc)
	}
	if i.fp >= i.maxFrames {
		return i.throw(ErrStackOverflow, "call depth limit of %d frames exceeded", i.maxFrames)
	}
	bp := i.sp - argc
	if bp+code.NumLocals+pushHeadroom > len(i.stack) {
		return i.throw(ErrStackOverflow, "operand stack exhausted calling %s", code.Name)
	}
	for s := code.NumParams; s < code.NumLocals; s++ {
		i.stack[bp+s] = Nil
	}
	i.sp = bp + code.NumLocals

	i.frames[i.fp] = CallFrame{fnVal: fnVal, fn: fn, code: code, bp: bp}
	i.fp++
	return nil
}

// popFrame deactivates the current frame and pushes result in place of
// the callee value.
func (i *Interpreter) popFrame(result Value) {
	fr := &i.frames[i.fp-1]
	i.sp = fr.bp - 1 // drop locals and the callee slot
	i.push(result)
	i.frames[i.fp-1] = CallFrame{}
	i.fp--
}

// promoteLocal turns local slot into a cell, so closures capturing it
// alias the frame's storage from now on.
func (i *Interpreter) promoteLocal(fr *CallFrame, slot int) *Cell {
	if fr.cells == nil {
		fr.cells = make([]*Cell, fr.code.NumLocals)
	}
	if fr.cells[slot] == nil {
		c := NewCell(i.stack[fr.bp+slot])
		i.heap.AddCell(c)
		fr.cells[slot] = c
	}
	return fr.cells[slot]
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// unwind searches the handler stack for a region catching err. On a
// catch it restores the frame and operand watermarks, positions the
// handler frame at the handler body, and pushes the error value. Returns
// false when no handler in the active run catches, leaving the
// interpreter reset to the run's entry watermarks.
func (i *Interpreter) unwind(err *RuntimeError, entrySP int) bool {
	if err.Kind.Recoverable() {
		for h := i.handlers; h != nil && h.frameIndex >= i.baseFP; h = h.prev {
			if h.kind != ErrAny && h.kind != err.Kind {
				continue
			}
			for f := i.fp - 1; f > h.frameIndex; f-- {
				i.frames[f] = CallFrame{}
			}
			i.fp = h.frameIndex + 1
			i.sp = h.sp
			i.frames[i.fp-1].ip = h.target
			i.handlers = h.prev
			i.push(i.heap.NewError(err))
			return true
		}
	}

	// No handler: reset to the state at entry so the host sees a clean
	// interpreter alongside the error.
	for f := i.fp - 1; f >= i.baseFP; f-- {
		i.frames[f] = CallFrame{}
	}
	i.fp = i.baseFP
	i.sp = entrySP
	for i.handlers != nil && i.handlers.frameIndex >= i.baseFP {
		i.handlers = i.handlers.prev
	}
	return false
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// CallValue invokes a function value with the given arguments and runs
// until it returns. Errors that no program handler catches are returned
// to the host with the interpreter reset.
func (i *Interpreter) CallValue(fnVal Value, args []Value) (Value, *RuntimeError) {
	fn, ok := i.heap.Function(fnVal)
	if !ok {
		return Nil, newError(ErrType, "cannot call %s value", i.heap.KindOf(fnVal))
	}
	entrySP := i.sp
	if i.sp+len(args)+1+pushHeadroom > len(i.stack) {
		return Nil, newError(ErrStackOverflow, "operand stack exhausted calling %s", fn.Code.Name)
	}
	i.push(fnVal)
	for _, a := range args {
		i.push(a)
	}

	savedBase := i.baseFP
	i.baseFP = i.fp
	defer func() { i.baseFP = savedBase }()

	if err := i.pushFrame(fnVal, fn, len(args)); err != nil {
		i.sp = entrySP
		return Nil, err
	}
	return i.execute(entrySP)
}

// RunCode wraps a zero-parameter code object in a closure and runs it.
func (i *Interpreter) RunCode(code *CodeObject) (Value, *RuntimeError) {
	if code.NumParams != 0 {
		return Nil, newError(ErrArity, "%s expects %d arguments, got 0", code.Name, code.NumParams)
	}
	return i.CallValue(i.heap.NewFunction(code, nil), nil)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (i *Interpreter) execute(entrySP int) (Value, *RuntimeError) {
	for {
		fr := &i.frames[i.fp-1]
		code := fr.code

		// Engine-level interruptions take priority over every opcode.
		if i.cancelled != nil && i.cancelled.Load() {
			err := i.throw(ErrCancelled, "execution cancelled")
			i.unwind(err, entrySP)
			return Nil, err
		}
		if i.budget != nil && !i.budget.Charge() {
			err := i.throw(ErrResourceExhausted, "step budget of %d exhausted", i.budget.limit)
			i.unwind(err, entrySP)
			return Nil, err
		}
		if i.sp+pushHeadroom > len(i.stack) {
			err := i.throw(ErrStackOverflow, "operand stack exhausted in %s", code.Name)
			if !i.unwind(err, entrySP) {
				return Nil, err
			}
			continue
		}

		if fr.ip >= len(code.Bytecode) {
			// Falling off the end behaves as an implicit nil return.
			if done, result := i.returnValue(Nil); done {
				return result, nil
			}
			continue
		}

		fr.opStart = fr.ip
		op := Opcode(code.Bytecode[fr.ip])
		fr.ip++

		var rerr *RuntimeError

		switch op {
		case OpNop:

		case OpPop:
			i.pop()

		case OpDup:
			i.push(i.peek())

		case OpLoadNil:
			i.push(Nil)

		case OpLoadInt8:
			n := int8(code.Bytecode[fr.ip])
			fr.ip++
			i.push(FromInt(int64(n)))

		case OpLoadConst:
			idx := i.readUint16(fr)
			rerr = i.loadConst(code.Constants[idx])

		case OpLoadLocal:
			slot := int(code.Bytecode[fr.ip])
			fr.ip++
			if fr.cells != nil && fr.cells[slot] != nil {
				i.push(fr.cells[slot].Value)
			} else {
				i.push(i.stack[fr.bp+slot])
			}

		case OpStoreLocal:
			slot := int(code.Bytecode[fr.ip])
			fr.ip++
			v := i.peek()
			if fr.cells != nil && fr.cells[slot] != nil {
				fr.cells[slot].Value = v
			} else {
				i.stack[fr.bp+slot] = v
			}

		case OpLoadUpvalue:
			idx := int(code.Bytecode[fr.ip])
			fr.ip++
			i.push(fr.fn.Cells[idx].Value)

		case OpStoreUpvalue:
			idx := int(code.Bytecode[fr.ip])
			fr.ip++
			fr.fn.Cells[idx].Value = i.peek()

		case OpLoadGlobal:
			name := code.Constants[i.readUint16(fr)].Str
			if v, ok := i.globals[name]; ok {
				i.push(v)
			} else {
				rerr = i.throw(ErrAttribute, "undefined global %q", name)
			}

		case OpStoreGlobal:
			name := code.Constants[i.readUint16(fr)].Str
			i.globals[name] = i.peek()

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			rerr = i.arithmetic(op)

		case OpNeg:
			v := i.pop()
			if !v.IsInt() {
				rerr = i.throw(ErrType, "cannot negate %s", i.heap.KindOf(v))
				break
			}
			if neg, ok := TryFromInt(-v.Int()); ok {
				i.push(neg)
			} else {
				rerr = i.throw(ErrOverflow, "integer overflow negating %d", v.Int())
			}

		case OpEq:
			b, a := i.pop(), i.pop()
			i.push(boolInt(i.heap.Equal(a, b)))

		case OpNe:
			b, a := i.pop(), i.pop()
			i.push(boolInt(!i.heap.Equal(a, b)))

		case OpLt, OpGt, OpLe, OpGe:
			rerr = i.compare(op)

		case OpNewList:
			n := int(code.Bytecode[fr.ip])
			fr.ip++
			elems := make([]Value, n)
			copy(elems, i.stack[i.sp-n:i.sp])
			// Elements stay on the stack across the allocation so a
			// collection triggered by it cannot sweep them.
			lv := i.heap.NewList(elems)
			i.sp -= n
			i.push(lv)

		case OpNewDict:
			n := int(code.Bytecode[fr.ip])
			fr.ip++
			rerr = i.newDict(n)

		case OpIndexGet:
			rerr = i.indexGet()

		case OpIndexSet:
			rerr = i.indexSet()

		case OpAppend:
			v := i.pop()
			lv := i.pop()
			if l, ok := i.heap.List(lv); ok {
				l.Append(v)
				i.push(lv)
			} else {
				rerr = i.throw(ErrType, "cannot append to %s", i.heap.KindOf(lv))
			}

		case OpLen:
			rerr = i.length()

		case OpLoadCode:
			idx := int(code.Bytecode[fr.ip])
			fr.ip++
			i.push(i.heap.NewCode(code.Children[idx]))

		case OpMakeClosure:
			rerr = i.makeClosure(fr)

		case OpCall:
			argc := int(code.Bytecode[fr.ip])
			fr.ip++
			callee := i.stack[i.sp-argc-1]
			fn, ok := i.heap.Function(callee)
			if !ok {
				rerr = i.throw(ErrType, "cannot call %s value", i.heap.KindOf(callee))
				break
			}
			rerr = i.pushFrame(callee, fn, argc)

		case OpReturn:
			if done, result := i.returnValue(i.pop()); done {
				return result, nil
			}

		case OpReturnNil:
			if done, result := i.returnValue(Nil); done {
				return result, nil
			}

		case OpMakeClass:
			nameIdx := i.readUint16(fr)
			n := int(code.Bytecode[fr.ip])
			fr.ip++
			rerr = i.makeClass(code.Constants[nameIdx].Str, n)

		case OpNewInstance:
			cv := i.peek()
			if _, ok := i.heap.Class(cv); ok {
				// The class stays on the stack across the allocation.
				i.stack[i.sp-1] = i.heap.NewInstance(cv)
			} else {
				rerr = i.throw(ErrType, "cannot instantiate %s value", i.heap.KindOf(cv))
			}

		case OpGetAttr:
			name := code.Constants[i.readUint16(fr)].Str
			iv := i.pop()
			inst, ok := i.heap.Instance(iv)
			if !ok {
				rerr = i.throw(ErrType, "%s has no attributes", i.heap.KindOf(iv))
				break
			}
			if v, found := i.heap.GetAttr(inst, name); found {
				i.push(v)
			} else {
				rerr = i.throw(ErrAttribute, "%s has no attribute %q", i.className(inst), name)
			}

		case OpSetAttr:
			name := code.Constants[i.readUint16(fr)].Str
			v := i.pop()
			iv := i.pop()
			if inst, ok := i.heap.Instance(iv); ok {
				inst.Fields[name] = v
				i.push(v)
			} else {
				rerr = i.throw(ErrType, "%s has no attributes", i.heap.KindOf(iv))
			}

		case OpInvoke:
			nameIdx := i.readUint16(fr)
			argc := int(code.Bytecode[fr.ip])
			fr.ip++
			rerr = i.invoke(code.Constants[nameIdx].Str, argc)

		case OpJump:
			offset := i.readInt16(fr)
			fr.ip += offset

		case OpJumpIfFalse:
			offset := i.readInt16(fr)
			if !i.pop().IsTruthy() {
				fr.ip += offset
			}

		case OpJumpIfTrue:
			offset := i.readInt16(fr)
			if i.pop().IsTruthy() {
				fr.ip += offset
			}

		case OpPushHandler:
			kind := ErrorKind(code.Bytecode[fr.ip])
			fr.ip++
			offset := i.readInt16(fr)
			i.handlers = &handlerEntry{
				kind:       kind,
				target:     fr.ip + offset,
				frameIndex: i.fp - 1,
				sp:         i.sp,
				prev:       i.handlers,
			}

		case OpPopHandler:
			if i.handlers == nil || i.handlers.frameIndex != i.fp-1 {
				rerr = i.throw(ErrType, "no open handler region in %s", code.Name)
			} else {
				i.handlers = i.handlers.prev
			}

		case OpRaise:
			v := i.pop()
			if err, ok := i.heap.Error(v); ok {
				rerr = i.reraise(err)
			} else {
				rerr = i.throw(ErrType, "cannot raise %s value", i.heap.KindOf(v))
			}

		default:
			rerr = i.throw(ErrType, "unknown opcode 0x%02X in %s", byte(op), code.Name)
		}

		if rerr != nil {
			if !i.unwind(rerr, entrySP) {
				return Nil, rerr
			}
		}
	}
}

// returnValue pops the current frame. Returns true with the result when
// the run's entry frame returned.
func (i *Interpreter) returnValue(result Value) (bool, Value) {
	i.popFrame(result)
	if i.fp == i.baseFP {
		return true, i.pop()
	}
	return false, Nil
}

// ---------------------------------------------------------------------------
// Operand readers
// ---------------------------------------------------------------------------

func (i *Interpreter) readUint16(fr *CallFrame) int {
	bc := fr.code.Bytecode
	v := int(bc[fr.ip]) | int(bc[fr.ip+1])<<8
	fr.ip += 2
	return v
}

func (i *Interpreter) readInt16(fr *CallFrame) int {
	return int(int16(i.readUint16(fr)))
}

// ---------------------------------------------------------------------------
// Opcode bodies
// ---------------------------------------------------------------------------

func boolInt(b bool) Value {
	if b {
		return FromInt(1)
	}
	return FromInt(0)
}

func (i *Interpreter) loadConst(c Constant) *RuntimeError {
	switch c.Kind {
	case KindNil:
		i.push(Nil)
	case KindInt:
		v, ok := TryFromInt(c.Int)
		if !ok {
			return i.throw(ErrOverflow, "constant %d outside integer range", c.Int)
		}
		i.push(v)
	case KindString:
		i.push(i.heap.NewString(c.Str))
	default:
		return i.throw(ErrType, "unsupported constant kind %s", c.Kind)
	}
	return nil
}

func (i *Interpreter) arithmetic(op Opcode) *RuntimeError {
	bv := i.pop()
	av := i.pop()

	if op == OpAdd {
		if sa, ok := i.heap.String(av); ok {
			sb, ok := i.heap.String(bv)
			if !ok {
				return i.throw(ErrType, "cannot add String and %s", i.heap.KindOf(bv))
			}
			i.push(i.heap.NewString(sa.Content + sb.Content))
			return nil
		}
	}

	if !av.IsInt() || !bv.IsInt() {
		return i.throw(ErrType, "cannot apply %s to %s and %s",
			op, i.heap.KindOf(av), i.heap.KindOf(bv))
	}
	a, b := av.Int(), bv.Int()

	var r int64
	switch op {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
		if a != 0 && r/a != b {
			return i.throw(ErrOverflow, "integer overflow in %d * %d", a, b)
		}
	case OpDiv:
		if b == 0 {
			return i.throw(ErrOverflow, "division by zero")
		}
		r = a / b
	case OpMod:
		if b == 0 {
			return i.throw(ErrOverflow, "division by zero")
		}
		r = a % b
	}

	v, ok := TryFromInt(r)
	if !ok {
		return i.throw(ErrOverflow, "integer overflow in %s", op)
	}
	i.push(v)
	return nil
}

func (i *Interpreter) compare(op Opcode) *RuntimeError {
	bv := i.pop()
	av := i.pop()

	var less, equal bool
	switch {
	case av.IsInt() && bv.IsInt():
		less = av.Int() < bv.Int()
		equal = av.Int() == bv.Int()
	default:
		sa, oka := i.heap.String(av)
		sb, okb := i.heap.String(bv)
		if !oka || !okb {
			return i.throw(ErrType, "cannot order %s and %s",
				i.heap.KindOf(av), i.heap.KindOf(bv))
		}
		less = sa.Content < sb.Content
		equal = sa.Content == sb.Content
	}

	switch op {
	case OpLt:
		i.push(boolInt(less))
	case OpGt:
		i.push(boolInt(!less && !equal))
	case OpLe:
		i.push(boolInt(less || equal))
	case OpGe:
		i.push(boolInt(!less))
	}
	return nil
}

func (i *Interpreter) newDict(pairs int) *RuntimeError {
	dv := i.heap.NewDict()
	d, _ := i.heap.Dict(dv)
	base := i.sp - pairs*2
	for p := 0; p < pairs; p++ {
		key := i.stack[base+p*2]
		val := i.stack[base+p*2+1]
		if !d.Set(i.heap, key, val) {
			return i.throw(ErrType, "%s is not a hashable key", i.heap.KindOf(key))
		}
	}
	i.sp = base
	i.push(dv)
	return nil
}

func (i *Interpreter) indexGet() *RuntimeError {
	idx := i.pop()
	cv := i.pop()
	switch obj := i.heap.Get(cv).(type) {
	case *ListObject:
		if !idx.IsInt() {
			return i.throw(ErrType, "list index must be Int, got %s", i.heap.KindOf(idx))
		}
		v, ok := obj.Get(idx.Int())
		if !ok {
			return i.throw(ErrIndex, "index %d out of range for list of %d", idx.Int(), obj.Len())
		}
		i.push(v)
	case *DictObject:
		if _, hashable := i.heap.hashKey(idx); !hashable {
			return i.throw(ErrType, "%s is not a hashable key", i.heap.KindOf(idx))
		}
		v, ok := obj.Get(i.heap, idx)
		if !ok {
			return i.throw(ErrKey, "key not found: %s", i.describe(idx))
		}
		i.push(v)
	default:
		return i.throw(ErrType, "%s is not indexable", i.heap.KindOf(cv))
	}
	return nil
}

func (i *Interpreter) indexSet() *RuntimeError {
	v := i.pop()
	idx := i.pop()
	cv := i.pop()
	switch obj := i.heap.Get(cv).(type) {
	case *ListObject:
		if !idx.IsInt() {
			return i.throw(ErrType, "list index must be Int, got %s", i.heap.KindOf(idx))
		}
		if !obj.Set(idx.Int(), v) {
			return i.throw(ErrIndex, "index %d out of range for list of %d", idx.Int(), obj.Len())
		}
	case *DictObject:
		if !obj.Set(i.heap, idx, v) {
			return i.throw(ErrType, "%s is not a hashable key", i.heap.KindOf(idx))
		}
	default:
		return i.throw(ErrType, "%s is not indexable", i.heap.KindOf(cv))
	}
	i.push(v)
	return nil
}

func (i *Interpreter) length() *RuntimeError {
	cv := i.pop()
	switch obj := i.heap.Get(cv).(type) {
	case *ListObject:
		i.push(FromInt(int64(obj.Len())))
	case *DictObject:
		i.push(FromInt(int64(obj.Len())))
	case *StringObject:
		i.push(FromInt(int64(len(obj.Content))))
	default:
		return i.throw(ErrType, "%s has no length", i.heap.KindOf(cv))
	}
	return nil
}

func (i *Interpreter) makeClosure(fr *CallFrame) *RuntimeError {
	cv := i.pop()
	code, ok := i.heap.Code(cv)
	if !ok {
		return i.throw(ErrType, "cannot close over %s value", i.heap.KindOf(cv))
	}
	var cells []*Cell
	if n := len(code.Upvalues); n > 0 {
		cells = make([]*Cell, n)
		for u, desc := range code.Upvalues {
			if desc.FromLocal {
				cells[u] = i.promoteLocal(fr, desc.Index)
			} else {
				cells[u] = fr.fn.Cells[desc.Index]
			}
		}
	}
	i.push(i.heap.NewFunction(code, cells))
	return nil
}

func (i *Interpreter) makeClass(name string, nMethods int) *RuntimeError {
	// The parent and method pairs stay on the stack until the class is
	// allocated; popping them first would unroot them across a
	// collection triggered by the allocation.
	base := i.sp - nMethods*2 - 1
	methods := make(map[string]Value, nMethods)
	for m := 0; m < nMethods; m++ {
		mname := i.stack[base+1+m*2]
		fn := i.stack[base+2+m*2]
		s, ok := i.heap.String(mname)
		if !ok {
			return i.throw(ErrClassDefinition,
				"class %q: method name is %s, not String", name, i.heap.KindOf(mname))
		}
		methods[s.Content] = fn
	}
	parent := i.stack[base]
	cv, err := i.heap.NewClass(name, parent, methods)
	if err != nil {
		return i.throw(err.Kind, "%s", err.Message)
	}
	i.sp = base
	i.push(cv)
	return nil
}

// invoke dispatches a method call: the receiver on the stack becomes the
// method's first parameter.
func (i *Interpreter) invoke(name string, argc int) *RuntimeError {
	recv := i.stack[i.sp-argc-1]
	inst, ok := i.heap.Instance(recv)
	if !ok {
		return i.throw(ErrType, "cannot invoke method on %s value", i.heap.KindOf(recv))
	}
	method, found := i.heap.ResolveMethod(inst.Class, name)
	if !found {
		return i.throw(ErrAttribute, "%s has no method %q", i.className(inst), name)
	}
	fn, _ := i.heap.Function(method)

	// The receiver slot doubles as the callee slot for the return
	// protocol; the receiver is re-pushed as parameter 0 by bp placement.
	return i.pushFrameWithReceiver(method, fn, argc)
}

// pushFrameWithReceiver is pushFrame for method calls: the receiver below
// the arguments becomes local slot 0.
func (i *Interpreter) pushFrameWithReceiver(fnVal Value, fn *FunctionObject, argc int) *RuntimeError {
	code := fn.Code
	if argc+1 != code.NumParams {
		return i.throw(ErrArity, "%s expects %d arguments, got %d", code.Name, code.NumParams-1, argc)
	}
	if i.fp >= i.maxFrames {
		return i.throw(ErrStackOverflow, "call depth limit of %d frames exceeded", i.maxFrames)
	}
	bp := i.sp - argc - 1 // receiver is parameter 0
	if bp+code.NumLocals+pushHeadroom+1 > len(i.stack) {
		return i.throw(ErrStackOverflow, "operand stack exhausted calling %s", code.Name)
	}

	// Open a callee slot beneath the receiver so popFrame's layout holds.
	copy(i.stack[bp+1:i.sp+1], i.stack[bp:i.sp])
	i.stack[bp] = fnVal
	i.sp++
	bp++

	for s := code.NumParams; s < code.NumLocals; s++ {
		i.stack[bp+s] = Nil
	}
	i.sp = bp + code.NumLocals

	i.frames[i.fp] = CallFrame{fnVal: fnVal, fn: fn, code: code, bp: bp}
	i.fp++
	return nil
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func (i *Interpreter) className(inst *InstanceObject) string {
	if c, ok := i.heap.Class(inst.Class); ok {
		return c.Name
	}
	return "instance"
}

// describe renders a value for error messages.
func (i *Interpreter) describe(v Value) string {
	switch {
	case v == Nil:
		return "nil"
	case v.IsInt():
		return strconv.FormatInt(v.Int(), 10)
	}
	if s, ok := i.heap.String(v); ok {
		return strconv.Quote(s.Content)
	}
	return i.heap.KindOf(v).String()
}
