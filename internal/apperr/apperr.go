// Package apperr defines the stable error codes surfaced by every pipeline
// stage and a coded error type that carries them.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure identifier.
type Code string

// Structural failures: fatal to the intent, never retried.
const (
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeExceedsTxCap      Code = "AMOUNT_EXCEEDS_TX_CAP"
	CodeMissingPolicyHash Code = "MISSING_POLICY_HASH"
	CodeMissingParty      Code = "MISSING_PARTY"
	CodeSelfPayment       Code = "SELF_PAYMENT"
	CodeAssetNotAllowed   Code = "ASSET_NOT_ALLOWED"
	CodeInvalidExpiry     Code = "INVALID_EXPIRY"
	CodeExpired           Code = "INTENT_EXPIRED"
)

// Aggregate-safety failures.
const (
	CodeDailyCapExceeded      Code = "DAILY_CAP_EXCEEDED"
	CodeConcentrationExceeded Code = "CONCENTRATION_EXCEEDED"
	CodeAverageDivergence     Code = "AVERAGE_DIVERGENCE"
	CodeEmptyBatch            Code = "EMPTY_BATCH"
)

// Policy, routing, accounting and orchestration failures.
const (
	CodeRegimeBlocked    Code = "REGIME_BLOCKED"
	CodeAdvisorDeclined  Code = "ADVISOR_DECLINED"
	CodeNoEligibleVenue  Code = "NO_ELIGIBLE_VENUE"
	CodeRouteFailed      Code = "ROUTE_FAILED"
	CodeAccountingFailed Code = "ACCOUNTING_FAILED"
	CodeLotShortfall     Code = "LOT_SHORTFALL"
	CodeCancelled        Code = "CANCELLED"
	CodeGenerationFailed Code = "GENERATION_FAILED"
	CodeSigningFailed    Code = "SIGNING_FAILED"
)

// Error is a failure with a stable code, the stage that produced it and a
// human-readable reason.
type Error struct {
	Code   Code
	Stage  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a coded error with a formatted reason.
func New(code Code, stage, format string, args ...interface{}) *Error {
	return &Error{Code: code, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and stage to an underlying error.
func Wrap(err error, code Code, stage, reason string) *Error {
	return &Error{Code: code, Stage: stage, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
