/*
Package eventbus provides the domain-event publish/subscribe layer with two
interchangeable implementations: a synchronous in-process bus for tests and
single-node deployments, and a durable streaming bus backed by an append-only
log with per-stream consumer cursors for multi-worker, at-least-once
delivery.
*/
package eventbus
