package vm

// ---------------------------------------------------------------------------
// Heap: per-context object storage with mark/sweep reclamation
// ---------------------------------------------------------------------------

// heapObject is implemented by every reference type stored in a Heap.
type heapObject interface {
	kind() Kind
	// each calls visit for every Value the object references directly.
	each(visit func(Value))
}

// cellHolder is implemented by objects that hold upvalue cells (closures).
type cellHolder interface {
	eachCell(visit func(*Cell))
}

type heapSlot struct {
	obj  heapObject
	flag uint8
}

// Heap owns every reference-typed value of one ExecutionContext. Slots are
// reused through a free list; reclamation is flag-based mark/sweep, with the
// mark flag flipping between cycles so slots never need re-clearing. The
// whole heap is dropped wholesale when its context is torn down.
type Heap struct {
	slots []heapSlot
	free  []uint32
	flag  uint8

	// Upvalue cells are not slots: they are traced from frames and
	// closures and swept alongside objects.
	cells map[*Cell]struct{}

	live   int
	allocs int // allocations since the last collection
	growth int // auto-collect threshold, 0 disables

	// scratch roots values that are mid-construction: held only in Go
	// locals while a further allocation could trigger a collection.
	scratch []Value

	// roots is supplied by the owning context: operand stack, frame
	// locals and cells, globals, pinned host references.
	roots func(visit func(Value), visitCell func(*Cell))
}

// NewHeap creates an empty heap. growth is the number of allocations after
// which a collection is triggered automatically (0 disables auto-collect).
func NewHeap(growth int) *Heap {
	return &Heap{
		flag:   1,
		cells:  make(map[*Cell]struct{}),
		growth: growth,
	}
}

// SetRoots installs the root visitor used by Collect.
func (h *Heap) SetRoots(roots func(visit func(Value), visitCell func(*Cell))) {
	h.roots = roots
}

// Alloc stores obj in the heap and returns a Value referencing it.
func (h *Heap) Alloc(obj heapObject) Value {
	if h.growth > 0 && h.allocs >= h.growth && h.roots != nil {
		h.Collect()
	}
	h.allocs++
	h.live++

	if n := len(h.free); n > 0 {
		id := h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[id] = heapSlot{obj: obj, flag: h.flag}
		return FromObjectID(id)
	}

	id := uint32(len(h.slots))
	h.slots = append(h.slots, heapSlot{obj: obj, flag: h.flag})
	return FromObjectID(id)
}

// Get returns the object referenced by v, or nil if v is not a live
// object reference in this heap.
func (h *Heap) Get(v Value) heapObject {
	if !v.IsObject() {
		return nil
	}
	id := v.ObjectID()
	if int(id) >= len(h.slots) {
		return nil
	}
	return h.slots[id].obj
}

// KindOf returns the discriminant of v relative to this heap.
func (h *Heap) KindOf(v Value) Kind {
	switch {
	case v == Nil:
		return KindNil
	case v.IsInt():
		return KindInt
	}
	if obj := h.Get(v); obj != nil {
		return obj.kind()
	}
	return KindNil
}

// AddCell registers an upvalue cell so the sweep phase can reclaim it once
// nothing references it.
func (h *Heap) AddCell(c *Cell) {
	h.cells[c] = struct{}{}
}

// pushScratch roots v until the matching popScratch. Used by operations
// that allocate while holding values nothing else references yet.
func (h *Heap) pushScratch(v Value) {
	h.scratch = append(h.scratch, v)
}

func (h *Heap) popScratch(n int) {
	h.scratch = h.scratch[:len(h.scratch)-n]
}

// LiveObjects returns the number of live heap slots.
func (h *Heap) LiveObjects() int {
	return h.live
}

// CellCount returns the number of registered upvalue cells.
func (h *Heap) CellCount() int {
	return len(h.cells)
}

// ---------------------------------------------------------------------------
// Mark & sweep
// ---------------------------------------------------------------------------

// Collect runs a full mark/sweep cycle and returns the number of objects
// reclaimed. Reachable objects (and cells) are never reclaimed; unreachable
// ones always are, including reference cycles.
func (h *Heap) Collect() int {
	// Flip the mark flag: slots still carrying the old flag after the
	// mark phase are garbage.
	next := uint8(3 - h.flag)

	var work []Value
	markedCells := make(map[*Cell]struct{})

	visit := func(v Value) {
		if v.IsObject() {
			work = append(work, v)
		}
	}
	visitCell := func(c *Cell) {
		if c == nil {
			return
		}
		if _, ok := markedCells[c]; ok {
			return
		}
		markedCells[c] = struct{}{}
		visit(c.Value)
	}

	if h.roots != nil {
		h.roots(visit, visitCell)
	}
	for _, v := range h.scratch {
		visit(v)
	}

	for len(work) > 0 {
		v := work[len(work)-1]
		work = work[:len(work)-1]

		id := v.ObjectID()
		if int(id) >= len(h.slots) {
			continue
		}
		slot := &h.slots[id]
		if slot.obj == nil || slot.flag == next {
			continue
		}
		slot.flag = next
		slot.obj.each(visit)
		if ch, ok := slot.obj.(cellHolder); ok {
			ch.eachCell(visitCell)
		}
	}

	// Sweep slots
	freed := 0
	for id := range h.slots {
		slot := &h.slots[id]
		if slot.obj != nil && slot.flag != next {
			slot.obj = nil
			h.free = append(h.free, uint32(id))
			freed++
		}
	}
	h.live -= freed

	// Sweep cells
	for c := range h.cells {
		if _, ok := markedCells[c]; !ok {
			delete(h.cells, c)
		}
	}

	h.flag = next
	h.allocs = 0
	return freed
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// StringObject is an immutable text sequence, compared and hashed by content.
type StringObject struct {
	Content string
}

func (s *StringObject) kind() Kind       { return KindString }
func (s *StringObject) each(func(Value)) {}

// NewString allocates a string value in this heap.
func (h *Heap) NewString(s string) Value {
	return h.Alloc(&StringObject{Content: s})
}

// String returns the StringObject for v, or false if v is not a string.
func (h *Heap) String(v Value) (*StringObject, bool) {
	s, ok := h.Get(v).(*StringObject)
	return s, ok
}

// StringContent returns the content of a string value, or "" if v is not
// a string in this heap.
func (h *Heap) StringContent(v Value) string {
	if s, ok := h.String(v); ok {
		return s.Content
	}
	return ""
}

// ---------------------------------------------------------------------------
// Structural equality
// ---------------------------------------------------------------------------

// Equal implements the value model's equality: Nil=Nil, Int by numeric
// value, String by content, and every mutable reference type by identity
// (same heap slot).
func (h *Heap) Equal(a, b Value) bool {
	if a == b {
		// Same bits: same Int, same Nil, or same heap slot.
		return true
	}
	sa, oka := h.String(a)
	sb, okb := h.String(b)
	if oka && okb {
		return sa.Content == sb.Content
	}
	return false
}
