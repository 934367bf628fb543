// Package dispatch owns the per-runtime worker pools.
//
// Registering a function brings up its runtime's pool: up to MaxProcessCount
// channels, launched with a small stagger so a burst of processes does not
// compete for the host at startup. Invocations go round-robin to channels in
// the Initialized state.
//
// Recovery is driven by WorkerError events. Every failure counts against the
// runtime's error budget (ErrorBudgetFactor x MaxProcessCount). While budget
// remains, the failed channel is discarded and a debounced restart tops the
// pool back up; repeated failures inside the debounce window collapse into one
// restart. Once the budget is spent and the last channel is gone, the
// dispatcher reports the runtime as unrecoverable exactly once through
// Options.OnFatal.
package dispatch
