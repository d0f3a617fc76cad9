// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package failure classifies the errors a mirror run can end with.
package failure

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind names a class of failure.
type Kind int

const (
	// Unknown is the kind of any error not created by this package.
	Unknown Kind = iota

	// UnauthorizedMailbox: the configured mailbox is not in the
	// allow-list.  Raised before any remote call.
	UnauthorizedMailbox

	// RemoteFetch: listing or content retrieval failed.
	RemoteFetch

	// DirectoryCreate: a message folder could not be created.  The
	// pipeline logs it and carries on.
	DirectoryCreate

	// Write: message content could not be written to disk.
	Write

	// TrackedIDLoad: the downloaded id file exists but could not be
	// read.  Raised before any remote call.
	TrackedIDLoad
)

func (k Kind) String() string {
	switch k {
	case UnauthorizedMailbox:
		return "unauthorized mailbox"
	case RemoteFetch:
		return "remote fetch failure"
	case DirectoryCreate:
		return "directory create failure"
	case Write:
		return "write failure"
	case TrackedIDLoad:
		return "tracked id load failure"
	}
	return "unknown failure"
}

// Error is a classified error.  Op describes what was being attempted.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind wrapping err, annotated with a
// stack trace.  err may be nil.
func New(kind Kind, op string, err error) error {
	return errors.WithStack(&Error{Kind: kind, Op: op, Err: err})
}

// Newf is New with a formatted op and no underlying error.
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
