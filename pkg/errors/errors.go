/*
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

package errors

import (
	"errors"
	"fmt"
)

// Kind partitions every error the orchestrator or an agent can surface.
// Callers branch on Kind (via the Is* helpers), never on error strings.
type Kind string

const (
	KindAuth              Kind = "Auth"
	KindPolicyDenied      Kind = "PolicyDenied"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindTransportClosed   Kind = "TransportClosed"
	KindTimeout           Kind = "Timeout"
	KindCancelled         Kind = "Cancelled"
	KindInvalid           Kind = "Invalid"
	KindInternal          Kind = "Internal"

	// Agent-side kinds
	KindTaskCancelled        Kind = "TaskCancelled"
	KindTaskTimeout          Kind = "TaskTimeout"
	KindWorkerNotInitialized Kind = "WorkerNotInitialized"
)

// Error is the typed error carried across component boundaries. Wrapped
// causes are preserved for errors.Is/As chains.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s, %s", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func IsAuth(err error) bool              { return is(err, KindAuth) }
func IsPolicyDenied(err error) bool      { return is(err, KindPolicyDenied) }
func IsNotFound(err error) bool          { return is(err, KindNotFound) }
func IsConflict(err error) bool          { return is(err, KindConflict) }
func IsResourceExhausted(err error) bool { return is(err, KindResourceExhausted) }
func IsTransportClosed(err error) bool   { return is(err, KindTransportClosed) }
func IsTimeout(err error) bool           { return is(err, KindTimeout) }
func IsCancelled(err error) bool         { return is(err, KindCancelled) }
func IsInvalid(err error) bool           { return is(err, KindInvalid) }

func NotFound(kind string, id string) *Error {
	return New(KindNotFound, "%s %q not found", kind, id)
}

func Conflict(kind string, id string) *Error {
	return New(KindConflict, "stale write to %s %q", kind, id)
}

func PolicyDenied(source, target string) *Error {
	return New(KindPolicyDenied, "traffic from %q to %q denied by policy", source, target)
}
