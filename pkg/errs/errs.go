// Package errs classifies pipeline errors so callers can pick a handling
// policy (drop, retry, escalate) without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Class is the handling class of a pipeline error.
type Class int

const (
	ClassUnknown Class = iota
	// ClassProtocol covers malformed chunks and undecodable payloads.
	ClassProtocol
	// ClassCapacity covers full or paused buffers.
	ClassCapacity
	// ClassDurability covers journal write and fsync failures.
	ClassDurability
	// ClassFilter covers errors raised inside a filter step.
	ClassFilter
	// ClassCorruption covers torn journal tails and bad segment headers.
	ClassCorruption
)

func (c Class) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassCapacity:
		return "capacity"
	case ClassDurability:
		return "durability"
	case ClassFilter:
		return "filter"
	case ClassCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Error wraps an error with its class and where it happened.
type Error struct {
	Class     Class
	Component string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err stays nil.
func Wrap(class Class, component, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Component: component, Op: op, Err: err}
}

// Protocol is shorthand for Wrap(ClassProtocol, ...).
func Protocol(component, op string, err error) error {
	return Wrap(ClassProtocol, component, op, err)
}

// Durability is shorthand for Wrap(ClassDurability, ...).
func Durability(component, op string, err error) error {
	return Wrap(ClassDurability, component, op, err)
}

// Corruption is shorthand for Wrap(ClassCorruption, ...).
func Corruption(component, op string, err error) error {
	return Wrap(ClassCorruption, component, op, err)
}

// ClassOf returns the class of the outermost classified error in the chain.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// IsRetryable reports whether a caller may back off and try again.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassCapacity, ClassDurability:
		return true
	}
	return false
}
