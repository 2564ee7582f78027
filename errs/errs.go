// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package errs implements the error taxonomy spec.md §7 defines: a fixed
// set of kinds (not Go types per kind, as spec.md is careful to say) that
// every subsystem reports through so a caller can branch on the kind of
// failure regardless of where in the pipeline it originated.
//
// Shape follows the teacher's ServerError (a struct carrying a stable
// classifier plus a free-form detail, with an errors.As-based predicate
// helper) generalised from one fixed wire error code to this repository's
// eleven kinds.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the eleven error classifications spec.md §7 enumerates.
type Kind int

const (
	BackendTransient Kind = iota
	BackendPermanent
	Unlock
	Integrity
	CorruptStructure
	PolicyViolation
	NotFound
	SourceIO
	DestinationIO
	Cancelled
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case BackendTransient:
		return "BackendTransient"
	case BackendPermanent:
		return "BackendPermanent"
	case Unlock:
		return "Unlock"
	case Integrity:
		return "Integrity"
	case CorruptStructure:
		return "CorruptStructure"
	case PolicyViolation:
		return "PolicyViolation"
	case NotFound:
		return "NotFound"
	case SourceIO:
		return "SourceIo"
	case DestinationIO:
		return "DestinationIo"
	case Cancelled:
		return "Cancelled"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error carries a Kind alongside whatever context identifies the failure
// (a blob id, a pack name, a path) and the underlying cause.
type Error struct {
	Kind    Kind
	Subject string // e.g. a blob id, pack name, or path; empty if not applicable
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Is reports whether err (or a wrapped cause) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
