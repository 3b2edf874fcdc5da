package host

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternvm/tern/manifest"
	"github.com/ternvm/tern/vm"
)

func newTestRuntime(t *testing.T, mutate func(*manifest.Manifest)) *Runtime {
	t.Helper()
	man := manifest.Default()
	if mutate != nil {
		mutate(man)
	}
	r, err := NewRuntime(man)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Shutdown() })
	return r
}

func constProgram(result int8) *vm.CodeObject {
	b := vm.NewCodeBuilder("prog", 0)
	b.EmitInt8(vm.OpLoadInt8, result)
	b.Emit(vm.OpReturn)
	return b.Build()
}

func spinProgram() *vm.CodeObject {
	b := vm.NewCodeBuilder("spin", 0)
	top := b.NewLabel()
	b.Mark(top)
	b.EmitJump(vm.OpJump, top)
	return b.Build()
}

func TestSessionRunsPrograms(t *testing.T) {
	r := newTestRuntime(t, nil)
	s, err := r.CreateSession()
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Run(constProgram(11))
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(11) {
		t.Errorf("session run = %v; want 11", out)
	}
}

func TestSessionGlobalsAndInvoke(t *testing.T) {
	r := newTestRuntime(t, nil)
	s, _ := r.CreateSession()

	if err := s.SetGlobal("x", int64(5)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Global("x")
	if err != nil || !ok || v != int64(5) {
		t.Errorf("global x = %v, %v, %v; want 5", v, ok, err)
	}

	// Define a global function, then invoke it through the session.
	if _, err := s.Run(buildIdentityProgram()); err != nil {
		t.Fatal(err)
	}
	out, err := s.Invoke("identity", int64(9))
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(9) {
		t.Errorf("identity(9) = %v; want 9", out)
	}
}

// buildIdentityProgram builds a program installing the global function
// identity(x) = x.
func buildIdentityProgram() *vm.CodeObject {
	f := vm.NewCodeBuilder("identity", 1)
	f.EmitByte(vm.OpLoadLocal, 0)
	f.Emit(vm.OpReturn)

	b := vm.NewCodeBuilder("main", 0)
	child := b.Child(f.Build())
	b.EmitByte(vm.OpLoadCode, child)
	b.Emit(vm.OpMakeClosure)
	b.EmitUint16(vm.OpStoreGlobal, b.StringConst("identity"))
	b.Emit(vm.OpPop)
	b.Emit(vm.OpReturnNil)
	return b.Build()
}

func TestSessionsAreIsolated(t *testing.T) {
	r := newTestRuntime(t, nil)
	a, _ := r.CreateSession()
	b, _ := r.CreateSession()

	if a.ID() == b.ID() {
		t.Fatal("sessions must have distinct IDs")
	}
	if err := a.SetGlobal("x", int64(1)); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := b.Global("x"); ok {
		t.Error("global leaked between sessions")
	}
}

func TestSessionLimit(t *testing.T) {
	r := newTestRuntime(t, func(m *manifest.Manifest) {
		m.Host.MaxSessions = 2
	})
	if _, err := r.CreateSession(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateSession(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateSession(); err == nil {
		t.Error("third session should exceed the limit")
	}
}

func TestCloseSessionFreesSlot(t *testing.T) {
	r := newTestRuntime(t, func(m *manifest.Manifest) {
		m.Host.MaxSessions = 1
	})
	s, err := r.CreateSession()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.CloseSession(s.ID()); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateSession(); err != nil {
		t.Errorf("slot not freed after close: %v", err)
	}
	if _, err := s.Run(constProgram(1)); err == nil {
		t.Error("closed session must reject work")
	}
}

func TestManifestLimitsReachSessions(t *testing.T) {
	r := newTestRuntime(t, func(m *manifest.Manifest) {
		m.Limits.StepBudget = 50
	})
	s, _ := r.CreateSession()
	_, err := s.Run(spinProgram())
	if err == nil {
		t.Fatal("budgeted spin should fail")
	}
	rerr, ok := err.(*vm.RuntimeError)
	if !ok || rerr.Kind != vm.ErrResourceExhausted {
		t.Errorf("expected ResourceExhaustedError, got %v", err)
	}
}

func TestCancelBypassesBusyWorker(t *testing.T) {
	r := newTestRuntime(t, nil)
	s, _ := r.CreateSession()

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		_, runErr = s.Run(spinProgram())
	}()

	// The worker is busy spinning; Cancel must still land.
	s.Cancel()
	wg.Wait()

	rerr, ok := runErr.(*vm.RuntimeError)
	if !ok || rerr.Kind != vm.ErrCancelled {
		t.Fatalf("expected CancelledError, got %v", runErr)
	}

	if err := s.ClearCancel(); err != nil {
		t.Fatal(err)
	}
	if out, err := s.Run(constProgram(4)); err != nil || out != int64(4) {
		t.Errorf("session unusable after cancel: %v, %v", out, err)
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	r := newTestRuntime(t, nil)
	s, _ := r.CreateSession()

	_, err := s.submit(func() (any, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "internal error") {
		t.Fatalf("panic should surface as an error, got %v", err)
	}

	// The worker must still be serving.
	if out, err := s.Run(constProgram(2)); err != nil || out != int64(2) {
		t.Errorf("worker dead after panic: %v, %v", out, err)
	}
}

func TestSnapshotStoreIntegration(t *testing.T) {
	dir := t.TempDir()
	r := newTestRuntime(t, func(m *manifest.Manifest) {
		m.Host.SnapshotDB = filepath.Join(dir, "tern.db")
	})
	if r.Store() == nil {
		t.Fatal("store should be open")
	}

	digest, err := r.PutSnapshot(constProgram(6), "main")
	if err != nil {
		t.Fatal(err)
	}
	if digest == "" {
		t.Fatal("empty digest")
	}

	s, _ := r.CreateSession()
	out, err := r.RunRef(s.ID(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(6) {
		t.Errorf("RunRef = %v; want 6", out)
	}
}

func TestRunRefWithoutStore(t *testing.T) {
	r := newTestRuntime(t, nil)
	s, _ := r.CreateSession()
	if _, err := r.RunRef(s.ID(), "main"); err == nil {
		t.Error("RunRef must fail when no store is configured")
	}
}

func TestShutdownStopsSpinningSessions(t *testing.T) {
	man := manifest.Default()
	man.Host.ShutdownGraceMS = 2000
	r, err := NewRuntime(man)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := r.CreateSession()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(spinProgram())
	}()

	if err := r.Shutdown(); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if _, err := r.CreateSession(); err == nil {
		t.Error("runtime must reject sessions after shutdown")
	}
	// A second shutdown is a no-op.
	if err := r.Shutdown(); err != nil {
		t.Errorf("repeated shutdown: %v", err)
	}
}

func TestShutdownReturnsWhenWorkerIsStuck(t *testing.T) {
	man := manifest.Default()
	man.Host.ShutdownGraceMS = 50
	r, err := NewRuntime(man)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := r.CreateSession()

	// Wedge the worker in a host task that ignores cancellation.
	block := make(chan struct{})
	entered := make(chan struct{})
	go s.submit(func() (any, error) {
		close(entered)
		<-block
		return nil, nil
	})
	<-entered

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after the grace period")
	}

	// The abandoned session is marked closed and rejects further work.
	if _, err := s.Run(constProgram(1)); err == nil {
		t.Error("session must reject work after shutdown")
	}
	close(block)
}
