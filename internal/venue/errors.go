package venue

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter failure. The engine branches on kinds, never on
// venue-specific error codes.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindRateLimited       Kind = "rate_limited"
	KindAuthFailed        Kind = "auth_failed"
	KindBadSymbol         Kind = "bad_symbol"
	KindNotFound          Kind = "not_found"
	KindUnsupported       Kind = "unsupported"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindPartialFill       Kind = "partial_fill"
	KindExchange          Kind = "exchange"
	KindConfig            Kind = "config"
	KindInternal          Kind = "internal"
)

// Error is the uniform failure type returned by adapters. Code and Msg carry
// the venue's own error identifiers for the Exchange kind.
type Error struct {
	Venue string
	Kind  Kind
	Code  string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s: %s (%s): %s", e.Venue, e.Kind, e.Code, e.Msg)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Venue, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Venue, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an *Error with a formatted message.
func Errf(venueName string, kind Kind, format string, args ...any) *Error {
	return &Error{Venue: venueName, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an underlying cause.
func Wrap(venueName string, kind Kind, err error) *Error {
	return &Error{Venue: venueName, Kind: kind, Err: err}
}

// Exchange builds an *Error for a venue-reported rejection.
func Exchange(venueName, code, msg string) *Error {
	return &Error{Venue: venueName, Kind: KindExchange, Code: code, Msg: msg}
}

// KindOf extracts the Kind from an error chain; unknown errors map to
// KindInternal and nil maps to the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}

// IsRetriable reports whether the failure is transient. Only read paths may
// act on this; orders are never auto-retried.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// IsUnsupported reports whether the venue lacks the requested capability.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}
