// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blas

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage of a BLAS call where an error happened.
type Stage int

const (
	StageArguments Stage = iota
	StageDecomposition
	StageCompilation
	StageExecution
	StageReadBack
	StageCache
)

var stageNames = []string{"arguments", "decomposition", "compilation", "execution", "read-back", "cache"}

// String implements fmt.Stringer.
func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// ErrFinalized is returned (wrapped) by calls on a finalized Session.
var ErrFinalized = errors.New("session already finalized")

// Error returned by the BLAS routines. It records the routine and the stage that failed.
type Error struct {
	Routine string
	Stage   Stage
	Err     error
}

func newError(routine string, stage Stage, err error) *Error {
	return &Error{Routine: routine, Stage: stage, Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s failed at %s stage: %v", e.Routine, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Format implements fmt.Formatter: "%+v" includes the stack trace of the underlying error.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s failed at %s stage: %+v", e.Routine, e.Stage, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// StageOf returns the stage of the first *Error in the chain of err.
func StageOf(err error) (Stage, bool) {
	var blasErr *Error
	if errors.As(err, &blasErr) {
		return blasErr.Stage, true
	}
	return 0, false
}
