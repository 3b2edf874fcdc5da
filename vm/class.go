package vm

// ---------------------------------------------------------------------------
// ClassObject and InstanceObject
// ---------------------------------------------------------------------------

// maxInheritanceDepth bounds parent-chain walks so a corrupted chain
// cannot loop the interpreter.
const maxInheritanceDepth = 256

// ClassObject is a named method table with single inheritance. The parent
// link and method table are fixed at construction.
type ClassObject struct {
	Name    string
	Parent  Value // Nil for a root class, otherwise a class value
	Methods map[string]Value
}

func (c *ClassObject) kind() Kind { return KindClass }

func (c *ClassObject) each(visit func(Value)) {
	visit(c.Parent)
	for _, m := range c.Methods {
		visit(m)
	}
}

// NewClass allocates a class value. parent must be Nil or a class in
// this heap; every method must be a function. Violations surface as
// ClassDefinitionError.
func (h *Heap) NewClass(name string, parent Value, methods map[string]Value) (Value, *RuntimeError) {
	if parent != Nil {
		if _, ok := h.Class(parent); !ok {
			return Nil, newError(ErrClassDefinition,
				"class %q: parent is %s, not a class", name, h.KindOf(parent))
		}
		depth := 0
		for p := parent; p != Nil; depth++ {
			if depth >= maxInheritanceDepth {
				return Nil, newError(ErrClassDefinition,
					"class %q: inheritance chain exceeds %d classes", name, maxInheritanceDepth)
			}
			pc, _ := h.Class(p)
			p = pc.Parent
		}
	}
	for mname, m := range methods {
		if _, ok := h.Function(m); !ok {
			return Nil, newError(ErrClassDefinition,
				"class %q: method %q is %s, not a function", name, mname, h.KindOf(m))
		}
	}
	if methods == nil {
		methods = make(map[string]Value)
	}
	return h.Alloc(&ClassObject{Name: name, Parent: parent, Methods: methods}), nil
}

// Class returns the ClassObject for v, or false if v is not a class.
func (h *Heap) Class(v Value) (*ClassObject, bool) {
	c, ok := h.Get(v).(*ClassObject)
	return c, ok
}

// ResolveMethod looks up name on the class, walking the parent chain
// from the class itself toward the root. Returns false if no class in
// the chain defines the method.
func (h *Heap) ResolveMethod(class Value, name string) (Value, bool) {
	for depth := 0; class != Nil && depth < maxInheritanceDepth; depth++ {
		c, ok := h.Class(class)
		if !ok {
			return Nil, false
		}
		if m, defined := c.Methods[name]; defined {
			return m, true
		}
		class = c.Parent
	}
	return Nil, false
}

// ---------------------------------------------------------------------------
// Instances
// ---------------------------------------------------------------------------

// InstanceObject holds per-instance fields. Fields are created on first
// assignment; reading an absent field is an AttributeError, decided by
// the caller.
type InstanceObject struct {
	Class  Value
	Fields map[string]Value
}

func (i *InstanceObject) kind() Kind { return KindInstance }

func (i *InstanceObject) each(visit func(Value)) {
	visit(i.Class)
	for _, f := range i.Fields {
		visit(f)
	}
}

// NewInstance allocates an instance of class with no fields set.
func (h *Heap) NewInstance(class Value) Value {
	return h.Alloc(&InstanceObject{Class: class, Fields: make(map[string]Value)})
}

// Instance returns the InstanceObject for v, or false if v is not an instance.
func (h *Heap) Instance(v Value) (*InstanceObject, bool) {
	i, ok := h.Get(v).(*InstanceObject)
	return i, ok
}

// GetAttr reads an attribute of an instance: own fields shadow methods,
// methods resolve through the class chain. Returns false when neither
// defines name.
func (h *Heap) GetAttr(inst *InstanceObject, name string) (Value, bool) {
	if v, ok := inst.Fields[name]; ok {
		return v, true
	}
	return h.ResolveMethod(inst.Class, name)
}
