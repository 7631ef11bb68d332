package chain

import (
	"errors"
	"fmt"
)

// ErrorKind distinguishes publish failure modes. Signing failures and
// contract reverts are permanent; the rest are retryable.
type ErrorKind string

const (
	KindSigning            ErrorKind = "signing"
	KindBroadcast          ErrorKind = "broadcast"
	KindConfirmTimeout     ErrorKind = "confirm_timeout"
	KindRevert             ErrorKind = "revert"
	KindRPC                ErrorKind = "rpc"
	KindChainNotConfigured ErrorKind = "chain_not_configured"
)

// PublishError is the typed failure surfaced to the state machine.
type PublishError struct {
	Kind ErrorKind
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Kind, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying.
func (e *PublishError) Transient() bool {
	switch e.Kind {
	case KindBroadcast, KindConfirmTimeout, KindRPC:
		return true
	}
	return false
}

func newPublishError(kind ErrorKind, err error) *PublishError {
	return &PublishError{Kind: kind, Err: err}
}

// IsTransient classifies any error from a Publisher. Unknown errors are
// treated as transient so a flaky network path never permanently strands an
// action before its retry budget is spent.
func IsTransient(err error) bool {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return true
}
