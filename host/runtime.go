// Package host runs Tern programs on behalf of embedding applications:
// it manages isolated sessions, enforces manifest limits, and bridges
// sessions to the snapshot store.
package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/ternvm/tern/manifest"
	"github.com/ternvm/tern/store"
	"github.com/ternvm/tern/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("tern.host")

// Runtime manages a set of sessions under one manifest.
type Runtime struct {
	man   *manifest.Manifest
	store *store.Store

	mu       sync.Mutex
	sessions map[string]*Session
	shutdown bool
}

// NewRuntime creates a runtime from a manifest, opening the snapshot
// store when the manifest configures one.
func NewRuntime(man *manifest.Manifest) (*Runtime, error) {
	if man == nil {
		man = manifest.Default()
	}
	if err := man.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		man:      man,
		sessions: make(map[string]*Session),
	}
	if path := man.SnapshotDBPath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		r.store = st
		log.Infof("snapshot store open at %s", path)
	}
	return r, nil
}

// Store returns the snapshot store, or nil when persistence is disabled.
func (r *Runtime) Store() *store.Store {
	return r.store
}

// CreateSession starts a new session within the manifest's limits.
func (r *Runtime) CreateSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return nil, fmt.Errorf("runtime is shut down")
	}
	if len(r.sessions) >= r.man.Host.MaxSessions {
		return nil, fmt.Errorf("session limit of %d reached", r.man.Host.MaxSessions)
	}

	s := newSession(r.man.Limits, log)
	r.sessions[s.ID()] = s
	log.Infof("session %s created (%d active)", s.ID(), len(r.sessions))
	return s, nil
}

// Session returns an active session by ID.
func (r *Runtime) Session(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionIDs returns the IDs of all active sessions.
func (r *Runtime) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession closes and removes a session.
func (r *Runtime) CloseSession(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %s", id)
	}
	s.Close()
	return nil
}

// PutSnapshot stores a program and optionally tags it. Returns the
// content digest.
func (r *Runtime) PutSnapshot(code *vm.CodeObject, tag string) (string, error) {
	if r.store == nil {
		return "", fmt.Errorf("no snapshot store configured")
	}
	digest, err := r.store.Put(code)
	if err != nil {
		return "", err
	}
	if tag != "" {
		if err := r.store.Tag(tag, digest); err != nil {
			return "", err
		}
	}
	return digest, nil
}

// RunRef loads the program a ref points at and runs it in the session.
func (r *Runtime) RunRef(sessionID, ref string) (any, error) {
	if r.store == nil {
		return nil, fmt.Errorf("no snapshot store configured")
	}
	s, ok := r.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("no session %s", sessionID)
	}
	code, err := r.store.Load(ref)
	if err != nil {
		return nil, err
	}
	return s.Run(code)
}

// Shutdown cancels every session, waits up to the manifest's grace
// period for their workers to drain, and closes the store.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	active := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		active = append(active, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	for _, s := range active {
		s.Cancel()
	}

	// Close each session against one shared deadline. A session whose
	// worker does not drain in time is abandoned already marked closed,
	// so it rejects any further work.
	grace := time.Duration(r.man.Host.ShutdownGraceMS) * time.Millisecond
	deadline := time.Now().Add(grace)
	stuck := 0
	for _, s := range active {
		if !s.closeWithin(time.Until(deadline)) {
			stuck++
		}
	}
	if stuck > 0 {
		log.Errorf("shutdown grace of %s expired with %d sessions still draining", grace, stuck)
	}

	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
