// Package reqctx provides request-scoped values for handler code.
//
// A scope is bound once per invocation with WithScope (or Bind). Source
// contexts created with Create hold values provided into the scope; derived
// contexts created with Derive hold memoised computations over other
// contexts. Reading a value records a dependency edge when it happens inside
// a derived computation, and re-providing or resetting a source discards
// every derived value that read it, transitively, so the next read
// recomputes exactly once.
//
// The scope travels inside a context.Context, so every function and
// goroutine handed that ctx sees the same bindings.
package reqctx
