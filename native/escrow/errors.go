package escrow

import (
	"errors"
	"fmt"
)

// Error categories. Every specific error below wraps exactly one of them, so
// callers can branch on either the precise reason or the category with
// errors.Is.
var (
	ErrValidation          = errors.New("escrow: validation failed")
	ErrAuthorization       = errors.New("escrow: not authorized")
	ErrInsufficientBalance = errors.New("escrow: insufficient balance")
	ErrExternalDependency  = errors.New("escrow: external dependency failed")
)

var (
	ErrFeeOutOfRange         = fmt.Errorf("%w: fee cannot be larger than 100 percent", ErrValidation)
	ErrPaymentAlreadyStarted = fmt.Errorf("%w: payment in incorrect current state", ErrValidation)
	ErrPaymentNotInProgress  = fmt.Errorf("%w: payment not initially in asset transferring state", ErrValidation)
	ErrDeadlineExpired       = fmt.Errorf("%w: payment deadline expired", ErrValidation)
	ErrSellerNotRegistered   = fmt.Errorf("%w: seller not registered", ErrValidation)
	ErrSellerRegistered      = fmt.Errorf("%w: seller already registered", ErrValidation)
	ErrInsufficientFunds     = fmt.Errorf("%w: buyer has insufficient available funds", ErrValidation)
	ErrRefundNotAccepted     = fmt.Errorf("%w: payment does not accept refunds at this stage", ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	ErrInvalidUniverse       = fmt.Errorf("%w: universe id must be non-negative", ErrValidation)
	ErrPaymentWindowRange    = fmt.Errorf("%w: payment window must be between 3 hours and 60 days", ErrValidation)
	ErrZeroAddress           = fmt.Errorf("%w: address must not be zero", ErrValidation)
	ErrReentrantCall         = fmt.Errorf("%w: reentrant call rejected", ErrValidation)

	ErrCallerNotBuyer           = fmt.Errorf("%w: only buyer can execute this function", ErrAuthorization)
	ErrOperatorNotAuthorized    = fmt.Errorf("%w: operator not authorized for this universeId", ErrAuthorization)
	ErrOperatorNotDisinterested = fmt.Errorf("%w: operator must be an observer", ErrAuthorization)
	ErrInvalidSignature         = fmt.Errorf("%w: incorrect signature", ErrAuthorization)
	ErrNotOwner                 = fmt.Errorf("%w: caller is not the owner", ErrAuthorization)

	ErrNothingToWithdraw = fmt.Errorf("%w: cannot withdraw zero amount", ErrInsufficientBalance)
	ErrDebitExceeds      = fmt.Errorf("%w: debit exceeds local balance", ErrInsufficientBalance)

	ErrExternalTransferFailed = fmt.Errorf("%w: token transfer failed", ErrExternalDependency)
)

var (
	errNilState  = errors.New("escrow engine: state not configured")
	errNilLedger = errors.New("escrow engine: token ledger not configured")
	errNilOracle = errors.New("escrow engine: signature oracle not configured")
	errNoParams  = errors.New("escrow engine: parameters not bootstrapped")
)

func externalTransferError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternalTransferFailed, op, err)
}
