/*
Package event defines the immutable domain event model: self-describing
records with correlation/causation identifiers and a canonical flat-record
serialization for the durable stream transport.
*/
package event
