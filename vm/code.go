package vm

import "fmt"

// ---------------------------------------------------------------------------
// CodeObject: immutable compiled unit
// ---------------------------------------------------------------------------

// Constant is an entry of a code object's constant pool. Constants are
// structural so that code objects stay independent of any heap: the
// interpreter materializes them into context-local Values on load.
type Constant struct {
	Kind Kind
	Int  int64
	Str  string
}

// ConstNil returns a nil constant.
func ConstNil() Constant { return Constant{Kind: KindNil} }

// ConstInt returns an integer constant.
func ConstInt(n int64) Constant { return Constant{Kind: KindInt, Int: n} }

// ConstString returns a string constant.
func ConstString(s string) Constant { return Constant{Kind: KindString, Str: s} }

// UpvalueDesc describes where a closure's upvalue comes from when the
// closure is created: either a local slot of the enclosing frame
// (promoted to a cell on capture) or an upvalue of the enclosing closure.
type UpvalueDesc struct {
	FromLocal bool
	Index     int
}

// CodeObject is an immutable compiled function body. It carries no
// references into any heap, so the same CodeObject can be loaded into any
// number of execution contexts.
type CodeObject struct {
	Name      string
	NumParams int
	NumLocals int // includes parameter slots
	Bytecode  []byte
	Constants []Constant
	Children  []*CodeObject
	Upvalues  []UpvalueDesc
}

// Validate performs structural checks on a code object and all of its
// children. It does not simulate execution; operand bounds are checked
// instruction by instruction.
func (c *CodeObject) Validate() error {
	if c.NumParams < 0 || c.NumLocals < c.NumParams {
		return fmt.Errorf("code %q: %d locals cannot hold %d parameters",
			c.Name, c.NumLocals, c.NumParams)
	}
	if c.NumLocals > 256 {
		return fmt.Errorf("code %q: too many locals (%d)", c.Name, c.NumLocals)
	}

	r := NewBytecodeReader(c.Bytecode)
	for r.HasMore() {
		pos := r.Position()
		op := r.ReadOpcode()
		info := op.Info()
		if _, known := opcodeTable[op]; !known {
			return fmt.Errorf("code %q: unknown opcode 0x%02X at %d", c.Name, byte(op), pos)
		}
		if r.Position()+info.OperandBytes > len(c.Bytecode) {
			return fmt.Errorf("code %q: truncated operand at %d", c.Name, pos)
		}

		switch op {
		case OpLoadConst:
			if idx := int(r.ReadUint16()); idx >= len(c.Constants) {
				return fmt.Errorf("code %q: constant index %d out of range at %d", c.Name, idx, pos)
			}
		case OpLoadGlobal, OpStoreGlobal, OpGetAttr, OpSetAttr:
			if idx := int(r.ReadUint16()); idx >= len(c.Constants) || c.Constants[idx].Kind != KindString {
				return fmt.Errorf("code %q: name constant %d invalid at %d", c.Name, idx, pos)
			}
		case OpLoadLocal, OpStoreLocal:
			if idx := int(r.ReadByte()); idx >= c.NumLocals {
				return fmt.Errorf("code %q: local slot %d out of range at %d", c.Name, idx, pos)
			}
		case OpLoadUpvalue, OpStoreUpvalue:
			if idx := int(r.ReadByte()); idx >= len(c.Upvalues) {
				return fmt.Errorf("code %q: upvalue %d out of range at %d", c.Name, idx, pos)
			}
		case OpLoadCode:
			if idx := int(r.ReadByte()); idx >= len(c.Children) {
				return fmt.Errorf("code %q: child %d out of range at %d", c.Name, idx, pos)
			}
		case OpJump, OpJumpIfFalse, OpJumpIfTrue:
			offset := int(r.ReadInt16())
			if target := r.Position() + offset; target < 0 || target > len(c.Bytecode) {
				return fmt.Errorf("code %q: jump target %d out of range at %d", c.Name, target, pos)
			}
		case OpInvoke, OpMakeClass:
			if idx := int(r.ReadUint16()); idx >= len(c.Constants) || c.Constants[idx].Kind != KindString {
				return fmt.Errorf("code %q: name constant %d invalid at %d", c.Name, idx, pos)
			}
			r.Skip(1)
		case OpPushHandler:
			r.Skip(1)
			offset := int(r.ReadInt16())
			if target := r.Position() + offset; target < 0 || target > len(c.Bytecode) {
				return fmt.Errorf("code %q: handler target %d out of range at %d", c.Name, target, pos)
			}
		default:
			r.Skip(info.OperandBytes)
		}
	}

	for i, child := range c.Children {
		if child == nil {
			return fmt.Errorf("code %q: child %d is nil", c.Name, i)
		}
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Disassemble returns a readable listing of the code object's bytecode.
func (c *CodeObject) Disassemble() string {
	header := fmt.Sprintf("code %q params=%d locals=%d upvalues=%d\n",
		c.Name, c.NumParams, c.NumLocals, len(c.Upvalues))
	return header + Disassemble(c.Bytecode)
}

// ---------------------------------------------------------------------------
// Heap representation
// ---------------------------------------------------------------------------

// CodeRefObject wraps a CodeObject as a heap value so bytecode can push
// code onto the operand stack before closing over it.
type CodeRefObject struct {
	Code *CodeObject
}

func (c *CodeRefObject) kind() Kind       { return KindCode }
func (c *CodeRefObject) each(func(Value)) {}

// NewCode allocates a heap reference to a code object.
func (h *Heap) NewCode(code *CodeObject) Value {
	return h.Alloc(&CodeRefObject{Code: code})
}

// Code returns the CodeObject for v, or false if v is not a code value.
func (h *Heap) Code(v Value) (*CodeObject, bool) {
	c, ok := h.Get(v).(*CodeRefObject)
	if !ok {
		return nil, false
	}
	return c.Code, true
}

// ---------------------------------------------------------------------------
// CodeBuilder: test and host-side assembly helper
// ---------------------------------------------------------------------------

// CodeBuilder assembles a CodeObject, managing the constant pool and
// child table alongside a BytecodeBuilder.
type CodeBuilder struct {
	*BytecodeBuilder
	name      string
	numParams int
	numLocals int
	constants []Constant
	children  []*CodeObject
	upvalues  []UpvalueDesc
}

// NewCodeBuilder creates a builder for a code object with the given name
// and parameter count. Locals default to the parameter slots; use
// AddLocals for additional slots.
func NewCodeBuilder(name string, numParams int) *CodeBuilder {
	return &CodeBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		name:            name,
		numParams:       numParams,
		numLocals:       numParams,
	}
}

// AddLocals reserves n additional local slots and returns the index of
// the first one.
func (b *CodeBuilder) AddLocals(n int) int {
	first := b.numLocals
	b.numLocals += n
	return first
}

// Constant adds c to the pool, reusing an existing identical entry.
func (b *CodeBuilder) Constant(c Constant) uint16 {
	for i, existing := range b.constants {
		if existing == c {
			return uint16(i)
		}
	}
	b.constants = append(b.constants, c)
	return uint16(len(b.constants) - 1)
}

// IntConst adds an integer constant and returns its index.
func (b *CodeBuilder) IntConst(n int64) uint16 {
	return b.Constant(ConstInt(n))
}

// StringConst adds a string constant and returns its index.
func (b *CodeBuilder) StringConst(s string) uint16 {
	return b.Constant(ConstString(s))
}

// Child adds a nested code object and returns its index.
func (b *CodeBuilder) Child(code *CodeObject) uint8 {
	b.children = append(b.children, code)
	return uint8(len(b.children) - 1)
}

// CaptureLocal declares an upvalue sourced from an enclosing local slot.
func (b *CodeBuilder) CaptureLocal(slot int) uint8 {
	b.upvalues = append(b.upvalues, UpvalueDesc{FromLocal: true, Index: slot})
	return uint8(len(b.upvalues) - 1)
}

// CaptureUpvalue declares an upvalue sourced from an enclosing upvalue.
func (b *CodeBuilder) CaptureUpvalue(index int) uint8 {
	b.upvalues = append(b.upvalues, UpvalueDesc{FromLocal: false, Index: index})
	return uint8(len(b.upvalues) - 1)
}

// Build finalizes the code object.
func (b *CodeBuilder) Build() *CodeObject {
	return &CodeObject{
		Name:      b.name,
		NumParams: b.numParams,
		NumLocals: b.numLocals,
		Bytecode:  b.Bytes(),
		Constants: b.constants,
		Children:  b.children,
		Upvalues:  b.upvalues,
	}
}
