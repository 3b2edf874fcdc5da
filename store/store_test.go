package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ternvm/tern/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tern.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildProgram(result int8) *vm.CodeObject {
	b := vm.NewCodeBuilder("prog", 0)
	b.EmitInt8(vm.OpLoadInt8, result)
	b.Emit(vm.OpReturn)
	return b.Build()
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	digest, err := s.Put(buildProgram(7))
	if err != nil {
		t.Fatal(err)
	}
	code, err := s.Get(digest)
	if err != nil {
		t.Fatal(err)
	}

	ctx := vm.NewContext(vm.Config{})
	defer ctx.Close()
	out, err := ctx.Run(code)
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(7) {
		t.Errorf("stored program = %v; want 7", out)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	d1, err := s.Put(buildProgram(1))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.Put(buildProgram(1))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("same program stored under two digests: %s, %s", d1, d2)
	}
}

func TestGetUnknownDigest(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown digest: got %v; want ErrNotFound", err)
	}
}

func TestHas(t *testing.T) {
	s := openTestStore(t)
	digest, err := s.Put(buildProgram(3))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Has(digest); err != nil || !ok {
		t.Errorf("Has(%s) = %v, %v; want true", digest, ok, err)
	}
	if ok, _ := s.Has("deadbeef"); ok {
		t.Error("Has of an unknown digest must be false")
	}
}

func TestTagResolveLoad(t *testing.T) {
	s := openTestStore(t)
	digest, err := s.Put(buildProgram(9))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("main", digest); err != nil {
		t.Fatal(err)
	}

	got, err := s.Resolve("main")
	if err != nil || got != digest {
		t.Fatalf("Resolve(main) = %s, %v; want %s", got, err, digest)
	}

	code, err := s.Load("main")
	if err != nil {
		t.Fatal(err)
	}
	ctx := vm.NewContext(vm.Config{})
	defer ctx.Close()
	if out, err := ctx.Run(code); err != nil || out != int64(9) {
		t.Errorf("loaded program = %v, %v; want 9", out, err)
	}
}

func TestTagRequiresStoredDigest(t *testing.T) {
	s := openTestStore(t)
	if err := s.Tag("main", "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tagging an unknown digest: got %v; want ErrNotFound", err)
	}
}

func TestRetagMovesRef(t *testing.T) {
	s := openTestStore(t)
	d1, _ := s.Put(buildProgram(1))
	d2, _ := s.Put(buildProgram(2))
	if err := s.Tag("main", d1); err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("main", d2); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Resolve("main"); got != d2 {
		t.Errorf("ref after retag = %s; want %s", got, d2)
	}
}

func TestRefsListingAndDelete(t *testing.T) {
	s := openTestStore(t)
	d, _ := s.Put(buildProgram(1))
	s.Tag("beta", d)
	s.Tag("alpha", d)

	names, err := s.Refs()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("refs = %v; want [alpha beta]", names)
	}

	if err := s.Delete("alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Resolve("alpha"); !errors.Is(err, ErrNotFound) {
		t.Error("deleted ref should not resolve")
	}
	if _, err := s.Get(d); err != nil {
		t.Error("deleting a ref must not delete the snapshot")
	}
	if err := s.Delete("alpha"); !errors.Is(err, ErrNotFound) {
		t.Error("deleting a missing ref should report ErrNotFound")
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tern.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	digest, err := s.Put(buildProgram(5))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Tag("main", digest); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	code, err := s2.Load("main")
	if err != nil {
		t.Fatal(err)
	}
	ctx := vm.NewContext(vm.Config{})
	defer ctx.Close()
	if out, err := ctx.Run(code); err != nil || out != int64(5) {
		t.Errorf("program after reopen = %v, %v; want 5", out, err)
	}
}
