// Package apperrors provides the error taxonomy shared by the round engine,
// the wallet ledger and the HTTP layer.
package apperrors

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeValidation          Code = "VALIDATION"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeRoundNotOpen        Code = "ROUND_NOT_OPEN"
	CodeRoundNotFound       Code = "ROUND_NOT_FOUND"
	CodeRoundAlreadyOpen    Code = "ROUND_ALREADY_OPEN"
	CodeBatchRejected       Code = "BATCH_REJECTED"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeFairnessMismatch    Code = "FAIRNESS_MISMATCH"
	CodeExternalService     Code = "EXTERNAL_SERVICE"
	CodeGameSuspended       Code = "GAME_SUSPENDED"
	CodeAccountFrozen       Code = "ACCOUNT_FROZEN"
	CodeAccountNotFound     Code = "ACCOUNT_NOT_FOUND"
	CodeCouponInvalid       Code = "COUPON_INVALID"
	CodeCouponClaimed       Code = "COUPON_CLAIMED"
	CodeParticipantsTaken   Code = "PARTICIPANTS_TAKEN"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeWagerRequired       Code = "WAGER_REQUIRED"
	CodeWithdrawalNotFound  Code = "WITHDRAWAL_NOT_FOUND"
	CodeWithdrawalClosed    Code = "WITHDRAWAL_CLOSED"
	// CodeGameNotLocal means another instance holds the game's lease.
	CodeGameNotLocal Code = "GAME_NOT_LOCAL"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons. Matching is by code only, so a
// wrapped error with a different message still matches.
var (
	ErrValidation          = New(CodeValidation, "validation failed")
	ErrInsufficientFunds   = New(CodeInsufficientFunds, "insufficient funds")
	ErrRoundNotOpen        = New(CodeRoundNotOpen, "round not open")
	ErrRoundNotFound       = New(CodeRoundNotFound, "round not found")
	ErrRoundAlreadyOpen    = New(CodeRoundAlreadyOpen, "round already open")
	ErrBatchRejected       = New(CodeBatchRejected, "batch rejected")
	ErrConcurrencyConflict = New(CodeConcurrencyConflict, "concurrency conflict")
	ErrFairnessMismatch    = New(CodeFairnessMismatch, "fairness mismatch")
	ErrExternalService     = New(CodeExternalService, "external service unavailable")
	ErrGameSuspended       = New(CodeGameSuspended, "game suspended")
	ErrAccountFrozen       = New(CodeAccountFrozen, "account frozen")
	ErrAccountNotFound     = New(CodeAccountNotFound, "account not found")
	ErrCouponInvalid       = New(CodeCouponInvalid, "coupon invalid")
	ErrCouponClaimed       = New(CodeCouponClaimed, "coupon already claimed")
	ErrParticipantsTaken   = New(CodeParticipantsTaken, "participants already taken")
	ErrRateLimited         = New(CodeRateLimited, "rate limit exceeded")
	ErrUnauthorized        = New(CodeUnauthorized, "unauthorized")
	ErrWagerRequired       = New(CodeWagerRequired, "wager requirement not met")
	ErrWithdrawalNotFound  = New(CodeWithdrawalNotFound, "withdrawal not found")
	ErrWithdrawalClosed    = New(CodeWithdrawalClosed, "withdrawal already closed")
	ErrGameNotLocal        = New(CodeGameNotLocal, "game served by another instance")
)

// CodeOf extracts the code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Retryable reports whether the caller may retry the same operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrencyConflict, CodeExternalService:
		return true
	}
	return false
}

// HTTPStatus maps a code to the status the API responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation, CodeCouponInvalid, CodeWagerRequired:
		return http.StatusBadRequest
	case CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAccountFrozen, CodeCouponClaimed:
		return http.StatusForbidden
	case CodeRoundNotFound, CodeAccountNotFound, CodeWithdrawalNotFound:
		return http.StatusNotFound
	case CodeRoundNotOpen, CodeRoundAlreadyOpen, CodeConcurrencyConflict, CodeParticipantsTaken, CodeBatchRejected, CodeWithdrawalClosed:
		return http.StatusConflict
	case CodeGameNotLocal:
		return http.StatusMisdirectedRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeGameSuspended, CodeExternalService:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
