package call

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy: a call is already in progress.
	ErrBusy = errors.New("call: busy")
	// ErrNoAnswer: the caller's media call did not arrive in time. The
	// negotiator recovers by dialing back.
	ErrNoAnswer = errors.New("call: no inbound media call")
	// ErrCallbackFailed: the dial-back after ErrNoAnswer failed.
	ErrCallbackFailed = errors.New("call: dial-back failed")
	// ErrLookupFailed: the callee's peer handle could not be resolved.
	ErrLookupFailed = errors.New("call: callee lookup failed")
	// ErrNoIncomingCall: there is no ring to answer or decline.
	ErrNoIncomingCall = errors.New("call: no incoming call")
	// ErrEnded: the session ended while the operation was in flight.
	ErrEnded = errors.New("call: session ended")
)

// Reason is the user-facing classification of a failed call.
type Reason string

const (
	ReasonIdentityTimeout  Reason = "identity-timeout"
	ReasonIdentityFatal    Reason = "identity-fatal"
	ReasonLookupFailed     Reason = "lookup-failed"
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonCallbackFailed   Reason = "callback-failed"
	ReasonTransport        Reason = "transport"
)

// Failure is returned (and published) when a call attempt fails. It unwraps
// to the underlying cause.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}
