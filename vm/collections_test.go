package vm

import "testing"

func TestListLiteralAndIndex(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitInt8(OpLoadInt8, 10)
	b.EmitInt8(OpLoadInt8, 20)
	b.EmitInt8(OpLoadInt8, 30)
	b.EmitByte(OpNewList, 3)
	b.EmitInt8(OpLoadInt8, 1)
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(20) {
		t.Errorf("[10,20,30][1] = %v; want 20", got)
	}
}

func TestListIndexSet(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	slot := b.AddLocals(1)
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitInt8(OpLoadInt8, 2)
	b.EmitByte(OpNewList, 2)
	b.EmitByte(OpStoreLocal, byte(slot))
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(slot))
	b.EmitInt8(OpLoadInt8, 0)
	b.EmitInt8(OpLoadInt8, 42)
	b.Emit(OpIndexSet)
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(slot))
	b.EmitInt8(OpLoadInt8, 0)
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(42) {
		t.Errorf("l[0] after set = %v; want 42", got)
	}
}

func TestListIndexOutOfRange(t *testing.T) {
	for _, idx := range []int8{-1, 2} {
		b := NewCodeBuilder("main", 0)
		b.EmitInt8(OpLoadInt8, 1)
		b.EmitInt8(OpLoadInt8, 2)
		b.EmitByte(OpNewList, 2)
		b.EmitInt8(OpLoadInt8, idx)
		b.Emit(OpIndexGet)
		b.Emit(OpReturn)
		runExpectError(t, b.Build(), ErrIndex)
	}
}

func TestListNonIntIndexIsTypeError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitByte(OpNewList, 1)
	b.EmitUint16(OpLoadConst, b.StringConst("0"))
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	runExpectError(t, b.Build(), ErrType)
}

func TestAppendAndLen(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitByte(OpNewList, 0)
	b.EmitInt8(OpLoadInt8, 7)
	b.Emit(OpAppend)
	b.EmitInt8(OpLoadInt8, 8)
	b.Emit(OpAppend)
	b.Emit(OpLen)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(2) {
		t.Errorf("len after two appends = %v; want 2", got)
	}
}

func TestListsAreSharedReferences(t *testing.T) {
	// Two locals referencing one list observe the same mutation.
	b := NewCodeBuilder("main", 0)
	a := b.AddLocals(1)
	c := b.AddLocals(1)
	b.EmitByte(OpNewList, 0)
	b.EmitByte(OpStoreLocal, byte(a))
	b.EmitByte(OpStoreLocal, byte(c)) // same value, still on stack
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(a))
	b.EmitInt8(OpLoadInt8, 5)
	b.Emit(OpAppend)
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(c))
	b.Emit(OpLen)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(1) {
		t.Errorf("aliased list length = %v; want 1", got)
	}
}

func TestDictLiteralAndLookup(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitUint16(OpLoadConst, b.StringConst("a"))
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitUint16(OpLoadConst, b.StringConst("b"))
	b.EmitInt8(OpLoadInt8, 2)
	b.EmitByte(OpNewDict, 2)
	b.EmitUint16(OpLoadConst, b.StringConst("b"))
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(2) {
		t.Errorf(`{"a":1,"b":2}["b"] = %v; want 2`, got)
	}
}

func TestDictStringKeysCompareByContent(t *testing.T) {
	// The lookup key is a distinct string allocation from the stored key.
	b := NewCodeBuilder("main", 0)
	b.EmitUint16(OpLoadConst, b.StringConst("key"))
	b.EmitInt8(OpLoadInt8, 9)
	b.EmitByte(OpNewDict, 1)
	b.EmitUint16(OpLoadConst, b.StringConst("key"))
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(9) {
		t.Errorf("content-keyed lookup = %v; want 9", got)
	}
}

func TestDictMissingKeyIsKeyError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitByte(OpNewDict, 0)
	b.EmitUint16(OpLoadConst, b.StringConst("missing"))
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	runExpectError(t, b.Build(), ErrKey)
}

func TestDictUpdateOverwrites(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	slot := b.AddLocals(1)
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitInt8(OpLoadInt8, 10)
	b.EmitByte(OpNewDict, 1)
	b.EmitByte(OpStoreLocal, byte(slot))
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(slot))
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitInt8(OpLoadInt8, 20)
	b.Emit(OpIndexSet)
	b.Emit(OpPop)

	b.EmitByte(OpLoadLocal, byte(slot))
	b.EmitInt8(OpLoadInt8, 1)
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(20) {
		t.Errorf("d[1] after overwrite = %v; want 20", got)
	}
}

func TestUnhashableDictKeyIsTypeError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitByte(OpNewList, 0) // a list as key
	b.EmitInt8(OpLoadInt8, 1)
	b.EmitByte(OpNewDict, 1)
	b.Emit(OpReturn)
	runExpectError(t, b.Build(), ErrType)
}

func TestNilIsAValidDictKey(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.Emit(OpLoadNil)
	b.EmitInt8(OpLoadInt8, 4)
	b.EmitByte(OpNewDict, 1)
	b.Emit(OpLoadNil)
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(4) {
		t.Errorf("d[nil] = %v; want 4", got)
	}
}

func TestStringLen(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitUint16(OpLoadConst, b.StringConst("hello"))
	b.Emit(OpLen)
	b.Emit(OpReturn)
	if got := mustRun(t, b.Build()); got != int64(5) {
		t.Errorf(`len("hello") = %v; want 5`, got)
	}
}

func TestIndexingNonContainerIsTypeError(t *testing.T) {
	b := NewCodeBuilder("main", 0)
	b.EmitInt8(OpLoadInt8, 3)
	b.EmitInt8(OpLoadInt8, 0)
	b.Emit(OpIndexGet)
	b.Emit(OpReturn)
	runExpectError(t, b.Build(), ErrType)
}

func TestDictDeleteAndRemove(t *testing.T) {
	h := NewHeap(0)
	dv := h.NewDict()
	d, _ := h.Dict(dv)
	key := h.NewString("k")
	d.Set(h, key, FromInt(1))
	if !d.Has(h, key) {
		t.Fatal("key should be present after Set")
	}
	if !d.Delete(h, key) {
		t.Fatal("Delete should report success")
	}
	if d.Has(h, key) || d.Len() != 0 {
		t.Error("key should be gone after Delete")
	}
	if d.Delete(h, key) {
		t.Error("deleting an absent key should report failure")
	}

	lv := h.NewList([]Value{FromInt(1), FromInt(2), FromInt(3)})
	l, _ := h.List(lv)
	if !l.Remove(1) {
		t.Fatal("Remove(1) should succeed")
	}
	if l.Len() != 2 {
		t.Fatalf("length after remove = %d; want 2", l.Len())
	}
	if v, _ := l.Get(1); v.Int() != 3 {
		t.Error("remove should shift later elements down")
	}
	if l.Remove(5) {
		t.Error("removing out of range should report failure")
	}
}
