// Package vm implements the Tern execution core: NaN-boxed values, a
// per-context garbage-collected heap, compiled code objects, and a
// stack-based bytecode interpreter with closures, single-inheritance
// classes, and structured error unwinding.
//
// The unit of isolation is the ExecutionContext. Each context owns its
// heap, globals, interpreter, budget, and cancellation flag; host code
// talks to a context only through deep-copied values and pinned Refs.
package vm
