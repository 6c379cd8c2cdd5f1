package bus

// Command is a marker interface for commands (intent to change state).
// A command has exactly one handler and is not retried by the bus;
// idempotency is the handler's responsibility.
type Command interface{}

// Query is a marker interface for queries. Queries are handled synchronously
// and must not change state.
type Query interface{}
