/*
Copyright 2026 The dpatch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dpatcherr defines the closed error taxonomy shared by every
// package boundary in dpatch: the loader, the launcher, the wire decoder,
// and the server's launch path return *Error rather than bare errors, so
// callers can switch on Code instead of matching strings. I/O errors from
// wire.ReadFrame are passed through unwrapped.
package dpatcherr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the closed set of error categories the system recognizes.
// No operation may introduce a category outside this set.
type Code string

const (
	InvalidFrame        Code = "invalid_frame"
	UnknownRequest      Code = "unknown_request"
	TaskNotFound        Code = "task_not_found"
	WorkspaceUnreadable Code = "workspace_unreadable"
	StoreFull           Code = "store_full"
	ForkFailed          Code = "fork_failed"
	PipeFailed          Code = "pipe_failed"
	SendFailed          Code = "send_failed"
	AcceptFailed        Code = "accept_failed"
	ReadFailed          Code = "read_failed"
	WriteFailed         Code = "write_failed"
	Timeout             Code = "timeout"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Op    string // internal operation name, e.g. "workspace.Load"
	Code  Code
	Msg   string // human-readable, safe to echo back to a client
	Inner error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("dpatch: %s: %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("dpatch: %s: %s: %s", e.Op, e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error with the same
// Code, mirroring how callers actually want to compare these: by category,
// not by identity or message text.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New builds a fresh Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Newf builds a fresh Error with a formatted message.
func Newf(op string, code Code, format string, args ...interface{}) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches op/code context to an existing cause, preserving it via
// Unwrap. The result always carries code, even when cause is itself a
// *Error; the cause's own Code stays reachable through Unwrap.
func Wrap(op string, code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Op:    op,
		Code:  code,
		Msg:   cause.Error(),
		Inner: errors.Wrap(cause, op),
	}
}

// IsCode reports whether err is (or wraps) a *Error with the given code.
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
