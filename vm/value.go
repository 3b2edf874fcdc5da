package vm

// Value represents a Tern value using NaN-boxing.
//
// All values are 64 bits. Non-reference values are encoded in the quiet
// NaN space using tag bits to distinguish types:
//   - Int: quiet NaN + tagInt + 48-bit signed payload
//   - Nil: quiet NaN + tagSpecial
//   - Object: quiet NaN + tagObject + heap slot index
//
// Heap-tagged values are only meaningful relative to the heap of the
// ExecutionContext that created them; that is what makes cross-context
// isolation hold by construction.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for slot index / integer
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagObject  uint64 = 0x0001000000000000 // heap object slot
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // nil

	// Sign bit for 48-bit integer sign extension
	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

// Nil is the singleton nil value.
const Nil Value = Value(nanBits | tagSpecial)

// Int range (48-bit signed). Arithmetic that leaves this range traps
// with OverflowError; see the interpreter's arithmetic opcodes.
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// Kind is the discriminant of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindString
	KindList
	KindDict
	KindCode
	KindFunction
	KindClass
	KindInstance
	KindError
)

var kindNames = [...]string{
	KindNil:      "Nil",
	KindInt:      "Int",
	KindString:   "String",
	KindList:     "List",
	KindDict:     "Dict",
	KindCode:     "Code",
	KindFunction: "Function",
	KindClass:    "Class",
	KindInstance: "Instance",
	KindError:    "Error",
}

// String returns the discriminant name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsNil returns true if v is the nil value.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsInt returns true if v represents an integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v references a heap object.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// Int returns v as an int64.
// Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromInt creates a Value from an int64.
// Panics if n is outside the Int range.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromInt creates a Value from an int64, returning false if out of range.
func TryFromInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Object slot operations
// ---------------------------------------------------------------------------

// ObjectID returns the heap slot index encoded in v.
// Panics if v is not an object reference.
func (v Value) ObjectID() uint32 {
	if !v.IsObject() {
		panic("Value.ObjectID: not an object")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromObjectID creates a Value referencing a heap slot.
func FromObjectID(id uint32) Value {
	return Value(nanBits | tagObject | uint64(id))
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy reports how conditional jumps see v: nil and integer zero are
// falsy, everything else is truthy. The value model has no Boolean
// discriminant; comparison opcodes push Int 1 or Int 0.
func (v Value) IsTruthy() bool {
	if v == Nil {
		return false
	}
	if v.IsInt() {
		return v.Int() != 0
	}
	return true
}

// ---------------------------------------------------------------------------
// Cells (mutable boxes for captured variables)
// ---------------------------------------------------------------------------

// Cell is a heap-allocated mutable container for a single Value. A local
// slot captured by a closure is promoted to a cell; every closure capturing
// the same lexical variable aliases the same cell, so a write through one
// closure is observable through the others. A cell outlives its declaring
// frame for as long as any surviving closure references it.
type Cell struct {
	Value Value
}

// NewCell creates a cell holding v.
func NewCell(v Value) *Cell {
	return &Cell{Value: v}
}
