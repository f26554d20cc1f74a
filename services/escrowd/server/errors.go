package server

import (
	"context"
	"errors"
	"net/http"

	"assetescrow/native/escrow"
)

var errAuditDisabled = errors.New("audit log not configured")

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// conflicts are validation failures caused by current state rather than by
// the request itself.
var conflicts = []error{
	escrow.ErrPaymentAlreadyStarted,
	escrow.ErrPaymentNotInProgress,
	escrow.ErrRefundNotAccepted,
	escrow.ErrSellerRegistered,
	escrow.ErrInsufficientFunds,
	escrow.ErrReentrantCall,
}

// statusFor maps engine error categories onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "request"
	case errors.Is(err, escrow.ErrValidation):
		for _, c := range conflicts {
			if errors.Is(err, c) {
				return http.StatusConflict, "validation"
			}
		}
		return http.StatusBadRequest, "validation"
	case errors.Is(err, escrow.ErrAuthorization):
		return http.StatusForbidden, "authorization"
	case errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, escrow.ErrExternalDependency):
		return http.StatusBadGateway, "external"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	default:
		return http.StatusInternalServerError, ""
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, category := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("escrow call failed", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Category: category})
}
