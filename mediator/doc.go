/*
Package mediator provides a thin, opinionated facade over command and query
handling. It routes each request to the single handler registered for its
runtime type while remaining decoupled from concrete transports via
interfaces.
*/
package mediator
