package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpLoadNil   Opcode = 0x10 // push nil
	OpLoadInt8  Opcode = 0x11 // push 8-bit signed integer
	OpLoadConst Opcode = 0x12 // push constant from pool (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal    Opcode = 0x20 // push local slot (8-bit index)
	OpStoreLocal   Opcode = 0x21 // store top of stack into local slot (8-bit index)
	OpLoadUpvalue  Opcode = 0x22 // push upvalue cell content (8-bit index)
	OpStoreUpvalue Opcode = 0x23 // store top of stack into upvalue cell (8-bit index)
	OpLoadGlobal   Opcode = 0x24 // push global by name (16-bit constant index)
	OpStoreGlobal  Opcode = 0x25 // store top of stack into global (16-bit constant index)
)

// Arithmetic and Comparison (Int only; overflow traps)
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpMod Opcode = 0x34
	OpNeg Opcode = 0x35
	OpEq  Opcode = 0x36 // pushes Int 1/0
	OpNe  Opcode = 0x37
	OpLt  Opcode = 0x38
	OpGt  Opcode = 0x39
	OpLe  Opcode = 0x3A
	OpGe  Opcode = 0x3B
)

// Collections
const (
	OpNewList  Opcode = 0x40 // create list from N stack values (8-bit count)
	OpNewDict  Opcode = 0x41 // create dict from N key/value pairs (8-bit pair count)
	OpIndexGet Opcode = 0x42 // pop index, container; push element
	OpIndexSet Opcode = 0x43 // pop value, index, container; push value
	OpAppend   Opcode = 0x44 // pop value, list; push list
	OpLen      Opcode = 0x45 // pop container; push length
)

// Functions and Closures
const (
	OpLoadCode    Opcode = 0x50 // push child Code object (8-bit index)
	OpMakeClosure Opcode = 0x51 // pop Code; push Function with bound upvalue cells
	OpCall        Opcode = 0x52 // pop N args, callee; push frame (8-bit argc)
	OpReturn      Opcode = 0x53 // return top of stack
	OpReturnNil   Opcode = 0x54 // return nil
)

// Classes and Instances
const (
	OpMakeClass   Opcode = 0x55 // pop methods and parent; push class (16-bit name, 8-bit method count)
	OpNewInstance Opcode = 0x56 // pop class; push empty instance
	OpGetAttr     Opcode = 0x57 // pop instance; push field (16-bit name constant)
	OpSetAttr     Opcode = 0x58 // pop value, instance; push value (16-bit name constant)
	OpInvoke      Opcode = 0x59 // pop N args, receiver; dispatch method (16-bit name, 8-bit argc)
)

// Control Flow
const (
	OpJump        Opcode = 0x60 // unconditional jump (16-bit signed offset)
	OpJumpIfFalse Opcode = 0x61 // pop; jump if nil or Int 0 (16-bit signed offset)
	OpJumpIfTrue  Opcode = 0x62 // pop; jump if truthy (16-bit signed offset)
)

// Error Handling
const (
	OpPushHandler Opcode = 0x70 // open protected region (8-bit kind filter, 16-bit handler offset)
	OpPopHandler  Opcode = 0x71 // close innermost protected region
	OpRaise       Opcode = 0x72 // pop error value; raise it
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},

	OpLoadNil:   {"LOAD_NIL", 0},
	OpLoadInt8:  {"LOAD_INT8", 1},
	OpLoadConst: {"LOAD_CONST", 2},

	OpLoadLocal:    {"LOAD_LOCAL", 1},
	OpStoreLocal:   {"STORE_LOCAL", 1},
	OpLoadUpvalue:  {"LOAD_UPVALUE", 1},
	OpStoreUpvalue: {"STORE_UPVALUE", 1},
	OpLoadGlobal:   {"LOAD_GLOBAL", 2},
	OpStoreGlobal:  {"STORE_GLOBAL", 2},

	OpAdd: {"ADD", 0},
	OpSub: {"SUB", 0},
	OpMul: {"MUL", 0},
	OpDiv: {"DIV", 0},
	OpMod: {"MOD", 0},
	OpNeg: {"NEG", 0},
	OpEq:  {"EQ", 0},
	OpNe:  {"NE", 0},
	OpLt:  {"LT", 0},
	OpGt:  {"GT", 0},
	OpLe:  {"LE", 0},
	OpGe:  {"GE", 0},

	OpNewList:  {"NEW_LIST", 1},
	OpNewDict:  {"NEW_DICT", 1},
	OpIndexGet: {"INDEX_GET", 0},
	OpIndexSet: {"INDEX_SET", 0},
	OpAppend:   {"APPEND", 0},
	OpLen:      {"LEN", 0},

	OpLoadCode:    {"LOAD_CODE", 1},
	OpMakeClosure: {"MAKE_CLOSURE", 0},
	OpCall:        {"CALL", 1},
	OpReturn:      {"RETURN", 0},
	OpReturnNil:   {"RETURN_NIL", 0},

	OpMakeClass:   {"MAKE_CLASS", 3},
	OpNewInstance: {"NEW_INSTANCE", 0},
	OpGetAttr:     {"GET_ATTR", 2},
	OpSetAttr:     {"SET_ATTR", 2},
	OpInvoke:      {"INVOKE", 3},

	OpJump:        {"JUMP", 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 2},

	OpPushHandler: {"PUSH_HANDLER", 3},
	OpPopHandler:  {"POP_HANDLER", 0},
	OpRaise:       {"RAISE", 0},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInvoke appends an INVOKE instruction.
func (b *BytecodeBuilder) EmitInvoke(nameIndex uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpInvoke), byte(nameIndex), byte(nameIndex>>8), argc)
}

// EmitMakeClass appends a MAKE_CLASS instruction.
func (b *BytecodeBuilder) EmitMakeClass(nameIndex uint16, nMethods uint8) {
	b.bytes = append(b.bytes, byte(OpMakeClass), byte(nameIndex), byte(nameIndex>>8), nMethods)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // operand positions awaiting patching
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches all
// forward references.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// emitLabelRef appends a 16-bit offset referring to label, patching later
// if the label is not yet resolved.
func (b *BytecodeBuilder) emitLabelRef(label *Label) {
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// EmitJump emits a jump instruction targeting a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	b.emitLabelRef(label)
}

// EmitPushHandler emits a PUSH_HANDLER instruction. kind filters which
// error kinds the handler catches (0 catches any recoverable kind); the
// label is the handler entry point.
func (b *BytecodeBuilder) EmitPushHandler(kind ErrorKind, label *Label) {
	b.bytes = append(b.bytes, byte(OpPushHandler), byte(kind))
	b.emitLabelRef(label)
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly and validation
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for disassembly or validation.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader for bytecode.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// Skip advances the position by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position, advancing the reader.
func DisassembleInstruction(r *BytecodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpLoadInt8:
		v := r.ReadInt8()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpLoadLocal, OpStoreLocal, OpLoadUpvalue, OpStoreUpvalue,
		OpNewList, OpNewDict, OpLoadCode, OpCall:
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpLoadConst, OpLoadGlobal, OpStoreGlobal, OpGetAttr, OpSetAttr:
		idx := r.ReadUint16()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case OpInvoke:
		name := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s name=%d argc=%d", pos, info.Name, name, argc)

	case OpMakeClass:
		name := r.ReadUint16()
		n := r.ReadByte()
		return fmt.Sprintf("%04d  %s name=%d methods=%d", pos, info.Name, name, n)

	case OpPushHandler:
		kind := ErrorKind(r.ReadByte())
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s kind=%s (-> %04d)", pos, info.Name, kind, target)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewBytecodeReader(bc)
	var result string
	for r.HasMore() {
		if result != "" {
			result += "\n"
		}
		result += DisassembleInstruction(r)
	}
	return result
}
