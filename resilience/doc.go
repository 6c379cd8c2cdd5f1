/*
Package resilience wraps fallible calls to unreliable external dependencies
(LLM provider, graph store, vector store) with three independently composable
guards: a per-dependency circuit breaker, bounded exponential-backoff retry,
and a wall-clock timeout.

The guards impose no interface on the wrapped operation beyond "callable,
possibly failing". Errors from the operation are never swallowed: the breaker
and retry update their accounting and re-return the original error.
*/
package resilience
