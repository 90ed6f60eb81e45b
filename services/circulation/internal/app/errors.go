package app

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown session, title, member or hold.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks insufficient stock, double closure or a stale version.
	ErrConflict = errors.New("conflict")
	// ErrStateTransition marks an operation invalid for the current status.
	ErrStateTransition = errors.New("invalid state transition")
	// ErrAuthorization marks an actor lacking the role for an action.
	ErrAuthorization = errors.New("not authorized")
)

// Error is the structured failure returned by every boundary operation.
// errors.Is(err, ErrConflict) and friends match on Kind.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func validationError(code, format string, args ...any) *Error {
	return newError(ErrValidation, code, format, args...)
}

func notFoundError(code, format string, args ...any) *Error {
	return newError(ErrNotFound, code, format, args...)
}

func conflictError(code, format string, args ...any) *Error {
	return newError(ErrConflict, code, format, args...)
}

func stateError(code, format string, args ...any) *Error {
	return newError(ErrStateTransition, code, format, args...)
}

func authError(code, format string, args ...any) *Error {
	return newError(ErrAuthorization, code, format, args...)
}

// Stable error codes surfaced to callers.
const (
	CodeInvalidRequest     = "CIRCULATION_INVALID_REQUEST"
	CodeEmptyRequest       = "CIRCULATION_EMPTY_REQUEST"
	CodeMemberNotActive    = "MEMBER_NOT_ACTIVE"
	CodeBorrowLimit        = "MEMBER_BORROW_LIMIT"
	CodeDebtLimit          = "MEMBER_DEBT_LIMIT"
	CodeInsufficientStock  = "STOCK_INSUFFICIENT"
	CodeStockBounds        = "STOCK_BOUNDS"
	CodeHoldState          = "STOCK_HOLD_STATE"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeTitleNotFound      = "TITLE_NOT_FOUND"
	CodeMemberNotFound     = "MEMBER_NOT_FOUND"
	CodeHoldNotFound       = "HOLD_NOT_FOUND"
	CodeStaleVersion       = "SESSION_STALE_VERSION"
	CodeAlreadyReturned    = "SESSION_ALREADY_RETURNED"
	CodeInvalidTransition  = "SESSION_INVALID_TRANSITION"
	CodeRenewalDenied      = "SESSION_RENEWAL_DENIED"
	CodeReturnLines        = "SESSION_RETURN_LINES"
	CodeForbidden          = "CIRCULATION_FORBIDDEN"
	CodeInvalidPayment     = "PAYMENT_INVALID_AMOUNT"
	CodePaymentExceedsDebt = "PAYMENT_EXCEEDS_DEBT"
	CodeBasketLimit        = "BASKET_BATCH_LIMIT"
	CodeBasketEmpty        = "BASKET_EMPTY"
)
