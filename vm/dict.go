package vm

// ---------------------------------------------------------------------------
// DictObject: mutable Value -> Value mapping
// ---------------------------------------------------------------------------

// dictKey is the comparable form of a hashable Value. Only Nil, Int, and
// String discriminants are hashable: reference types compare by identity,
// which would make key lookup ill-defined across mutation.
type dictKey struct {
	kind Kind
	i    int64
	s    string
}

type dictEntry struct {
	key Value
	val Value
}

// DictObject is a mutable mapping with value-based key equality and
// hashing. Iteration order is not guaranteed.
type DictObject struct {
	entries map[dictKey]dictEntry
}

func (d *DictObject) kind() Kind { return KindDict }

func (d *DictObject) each(visit func(Value)) {
	for _, e := range d.entries {
		visit(e.key)
		visit(e.val)
	}
}

// NewDict allocates an empty dictionary.
func (h *Heap) NewDict() Value {
	return h.Alloc(&DictObject{entries: make(map[dictKey]dictEntry)})
}

// Dict returns the DictObject for v, or false if v is not a dict.
func (h *Heap) Dict(v Value) (*DictObject, bool) {
	d, ok := h.Get(v).(*DictObject)
	return d, ok
}

// hashKey converts a Value to its comparable key form.
// Returns false for unhashable (reference-typed) keys.
func (h *Heap) hashKey(v Value) (dictKey, bool) {
	switch {
	case v == Nil:
		return dictKey{kind: KindNil}, true
	case v.IsInt():
		return dictKey{kind: KindInt, i: v.Int()}, true
	}
	if s, ok := h.String(v); ok {
		return dictKey{kind: KindString, s: s.Content}, true
	}
	return dictKey{}, false
}

// Len returns the number of live entries.
func (d *DictObject) Len() int {
	return len(d.entries)
}

// Get returns the value stored under key, or false if absent.
// Callers map the false case to KeyError; GetDefault never fails.
func (d *DictObject) Get(h *Heap, key Value) (Value, bool) {
	k, ok := h.hashKey(key)
	if !ok {
		return Nil, false
	}
	e, ok := d.entries[k]
	if !ok {
		return Nil, false
	}
	return e.val, true
}

// GetDefault returns the value stored under key, or def if absent or the
// key is unhashable.
func (d *DictObject) GetDefault(h *Heap, key, def Value) Value {
	if v, ok := d.Get(h, key); ok {
		return v
	}
	return def
}

// Set stores val under key. Returns false if the key is unhashable.
func (d *DictObject) Set(h *Heap, key, val Value) bool {
	k, ok := h.hashKey(key)
	if !ok {
		return false
	}
	d.entries[k] = dictEntry{key: key, val: val}
	return true
}

// Delete removes key. Returns false if the key was absent or unhashable.
func (d *DictObject) Delete(h *Heap, key Value) bool {
	k, ok := h.hashKey(key)
	if !ok {
		return false
	}
	if _, present := d.entries[k]; !present {
		return false
	}
	delete(d.entries, k)
	return true
}

// Has reports whether key is present.
func (d *DictObject) Has(h *Heap, key Value) bool {
	_, ok := d.Get(h, key)
	return ok
}

// Keys returns the stored keys in unspecified order.
func (d *DictObject) Keys() []Value {
	keys := make([]Value, 0, len(d.entries))
	for _, e := range d.entries {
		keys = append(keys, e.key)
	}
	return keys
}
