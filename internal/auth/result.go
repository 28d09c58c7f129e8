package auth

import (
	"fmt"
	"net/http"
)

// Reason is a stable failure code surfaced to the HTTP layer.
type Reason string

const (
	ReasonInvalidSetupToken  Reason = "invalid-setup-token"
	ReasonInvalidChallenge   Reason = "invalid-challenge"
	ReasonUnknownCredential  Reason = "unknown-credential"
	ReasonNotSetup           Reason = "not-setup"
	ReasonVerificationFailed Reason = "verification-failed"
	ReasonLastCredential     Reason = "last-credential"
	ReasonCredentialLocked   Reason = "credential-locked"
	ReasonLockTimeout        Reason = "lock-timeout"
	ReasonStorageError       Reason = "storage-error"
	ReasonTokenNameInvalid   Reason = "token-name-invalid"
	ReasonTokenTooLong       Reason = "token-too-long"
)

// statusFor maps a reason to its HTTP status. Everything not listed is a
// plain bad request.
func statusFor(reason Reason) int {
	switch reason {
	case ReasonInvalidSetupToken, ReasonLastCredential:
		return http.StatusForbidden
	case ReasonCredentialLocked:
		return http.StatusTooManyRequests
	case ReasonLockTimeout:
		return http.StatusServiceUnavailable
	case ReasonStorageError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// Failure describes why an operation was refused.
type Failure struct {
	Reason  Reason
	Message string
	Status  int
	Meta    map[string]any
}

func (f *Failure) Error() string {
	return fmt.Sprintf("auth: %s: %s", f.Reason, f.Message)
}

// Result is the outcome of an AuthService operation: either a value or a
// Failure, never both. The zero Result is a success holding the zero value.
type Result[T any] struct {
	value   T
	failure *Failure
}

func OK[T any](v T) Result[T] {
	return Result[T]{value: v}
}

func Fail[T any](reason Reason, message string) Result[T] {
	return Result[T]{failure: &Failure{
		Reason:  reason,
		Message: message,
		Status:  statusFor(reason),
	}}
}

// FailMeta is Fail with attached metadata (e.g. retry-after seconds).
func FailMeta[T any](reason Reason, message string, meta map[string]any) Result[T] {
	r := Fail[T](reason, message)
	r.failure.Meta = meta
	return r
}

func (r Result[T]) OK() bool {
	return r.failure == nil
}

// Failure returns the failure, or nil on success.
func (r Result[T]) Failure() *Failure {
	return r.failure
}

// Get returns the value and the failure; exactly one is meaningful.
func (r Result[T]) Get() (T, *Failure) {
	return r.value, r.failure
}

// Unwrap returns the value, panicking on a failed result. Reserve it for
// paths where failure is a programming error.
func (r Result[T]) Unwrap() T {
	if r.failure != nil {
		panic(r.failure.Error())
	}
	return r.value
}

func (r Result[T]) UnwrapOr(fallback T) T {
	if r.failure != nil {
		return fallback
	}
	return r.value
}

// Map transforms the value of a successful result; failures pass through.
func (r Result[T]) Map(fn func(T) T) Result[T] {
	if r.failure != nil {
		return r
	}
	return OK(fn(r.value))
}

// FlatMap chains an operation that can itself fail; failures pass through.
func (r Result[T]) FlatMap(fn func(T) Result[T]) Result[T] {
	if r.failure != nil {
		return r
	}
	return fn(r.value)
}
