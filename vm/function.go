package vm

// ---------------------------------------------------------------------------
// FunctionObject: closure over a code object
// ---------------------------------------------------------------------------

// FunctionObject pairs a code object with the upvalue cells captured when
// the closure was made. Two closures created from the same code object are
// distinct values with independent (possibly shared) cells.
type FunctionObject struct {
	Code  *CodeObject
	Cells []*Cell
}

func (f *FunctionObject) kind() Kind       { return KindFunction }
func (f *FunctionObject) each(func(Value)) {}

func (f *FunctionObject) eachCell(visit func(*Cell)) {
	for _, c := range f.Cells {
		visit(c)
	}
}

// NewFunction allocates a closure value.
func (h *Heap) NewFunction(code *CodeObject, cells []*Cell) Value {
	return h.Alloc(&FunctionObject{Code: code, Cells: cells})
}

// Function returns the FunctionObject for v, or false if v is not a function.
func (h *Heap) Function(v Value) (*FunctionObject, bool) {
	f, ok := h.Get(v).(*FunctionObject)
	return f, ok
}
