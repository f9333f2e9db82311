package watch

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes the engine distinguishes.
type Kind int

const (
	KindOther Kind = iota
	KindRateLimited
	KindNotFound
	KindTransientDelivery
	KindPermanentDelivery
	KindQuotaExceeded
	KindAlreadyWatching
	KindNotSubscribed
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindTransientDelivery:
		return "transient_delivery"
	case KindPermanentDelivery:
		return "permanent_delivery"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindAlreadyWatching:
		return "already_watching"
	case KindNotSubscribed:
		return "not_subscribed"
	case KindStorage:
		return "storage"
	default:
		return "other"
	}
}

// Error carries a Kind alongside the operation and cause.
//
// Two *Error values match under errors.Is when their kinds are equal, so
// callers can test against the sentinels below regardless of Op/Err.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrQuotaExceeded   = &Error{Kind: KindQuotaExceeded}
	ErrAlreadyWatching = &Error{Kind: KindAlreadyWatching}
	ErrNotSubscribed   = &Error{Kind: KindNotSubscribed}
)

// E builds an *Error. A nil err with KindOther returns nil.
func E(kind Kind, op string, err error) error {
	if err == nil && kind == KindOther {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Storage wraps an unexpected persistence failure.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf reports the Kind of the outermost *Error in err's chain, or KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// IsUserError reports whether err is a validation outcome that should be
// answered with a friendly reply and never alert the operator.
func IsUserError(err error) bool {
	switch KindOf(err) {
	case KindQuotaExceeded, KindAlreadyWatching, KindNotSubscribed, KindNotFound:
		return true
	}
	return false
}

// Errorf is fmt.Errorf with a kind attached.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
