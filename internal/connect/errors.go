package connect

import (
	"fmt"
	"moff.io/moff-connect/internal/provider"
	"moff.io/moff-connect/pkg/errors"
)

// Kind classifies controller failures.
type Kind string

const (
	KindProviderNotFound         Kind = "ProviderNotFound"
	KindUserRejected             Kind = "UserRejected"
	KindRequestFailed            Kind = "RequestFailed"
	KindAlreadyConnecting        Kind = "AlreadyConnecting"
	KindNetworkSwitchFailed      Kind = "NetworkSwitchFailed"
	KindIdentityResolutionFailed Kind = "IdentityResolutionFailed"
	KindRevocationFailed         Kind = "RevocationFailed"
	KindStorageUnavailable       Kind = "StorageUnavailable"
)

// Error is returned by user initiated operations and carried by error events.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

func newErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// requestError maps a wallet request failure onto a kind.
func requestError(err error) *Error {
	if provider.IsUserRejected(err) {
		return newError(KindUserRejected, err)
	}
	return newError(KindRequestFailed, err)
}
