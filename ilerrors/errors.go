// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package ilerrors provides the kind-tagged error values the engine
// surfaces to its driver, per the disposition table in spec.md §7.
package ilerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an engine error so a driver can branch on disposition
// without string-matching messages.
type Kind uint8

const (
	// Unknown is the zero value; never returned by this package.
	Unknown Kind = iota

	// PreconditionFailed is returned when Instrument is called on a
	// module that CanInstrument reported false for.
	PreconditionFailed

	// BadSymbols is returned when the debug-symbol sidecar exists but
	// cannot be parsed.
	BadSymbols

	// IoError wraps a file I/O failure, most commonly on write-back.
	IoError

	// TemplateNotFound is returned when the tracker template cannot be
	// located in the engine's own assembly. Fatal precondition violation.
	TemplateNotFound

	// HitFileMismatch is returned when an on-disk hit file's entry count
	// does not match the in-memory counter array on an update.
	HitFileMismatch
)

func (k Kind) String() string {
	switch k {
	case PreconditionFailed:
		return "precondition_failed"
	case BadSymbols:
		return "bad_symbols"
	case IoError:
		return "io_error"
	case TemplateNotFound:
		return "template_not_found"
	case HitFileMismatch:
		return "hit_file_mismatch"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged, stack-wrapped engine error.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.err }

// New builds a Kind-tagged error from a message.
func New(k Kind, msg string) error {
	return &Error{Kind: k, err: errors.New(msg)}
}

// Wrap attaches a Kind and a stack trace to an existing error. Returns
// nil if err is nil.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, err: errors.Wrap(err, msg)}
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
