package vm

// ---------------------------------------------------------------------------
// ListObject: mutable ordered sequence
// ---------------------------------------------------------------------------

// ListObject is a mutable, zero-indexed sequence of Values. Lists are
// reference types: every Value referencing the same slot observes the
// same mutations.
type ListObject struct {
	Elems []Value
}

func (l *ListObject) kind() Kind { return KindList }

func (l *ListObject) each(visit func(Value)) {
	for _, e := range l.Elems {
		visit(e)
	}
}

// NewList allocates a list with the given elements.
func (h *Heap) NewList(elems []Value) Value {
	return h.Alloc(&ListObject{Elems: elems})
}

// List returns the ListObject for v, or false if v is not a list.
func (h *Heap) List(v Value) (*ListObject, bool) {
	l, ok := h.Get(v).(*ListObject)
	return l, ok
}

// Len returns the number of elements.
func (l *ListObject) Len() int {
	return len(l.Elems)
}

// Get returns the element at index, or false if index is outside
// [0, len). Callers map the false case to IndexError.
func (l *ListObject) Get(index int64) (Value, bool) {
	if index < 0 || index >= int64(len(l.Elems)) {
		return Nil, false
	}
	return l.Elems[index], true
}

// Set stores v at index, or returns false if index is outside [0, len).
func (l *ListObject) Set(index int64, v Value) bool {
	if index < 0 || index >= int64(len(l.Elems)) {
		return false
	}
	l.Elems[index] = v
	return true
}

// Append adds v at the end.
func (l *ListObject) Append(v Value) {
	l.Elems = append(l.Elems, v)
}

// Remove deletes the element at index, shifting later elements down.
// Returns false if index is outside [0, len).
func (l *ListObject) Remove(index int64) bool {
	if index < 0 || index >= int64(len(l.Elems)) {
		return false
	}
	l.Elems = append(l.Elems[:index], l.Elems[index+1:]...)
	return true
}
