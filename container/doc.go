/*
Package container is a small dependency container with three lifetimes:
singleton (lazy, constructed at most once), scoped (one instance per unit of
work), and transient (fresh per resolve). It is constructed and passed
explicitly; nothing in this package is process-global.
*/
package container
