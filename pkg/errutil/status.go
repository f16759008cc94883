package errutil

import (
	"errors"
	"net/http"
)

type CoreStatus string

const (
	StatusUnknown              CoreStatus = "Unknown"
	StatusBadRequest           CoreStatus = "BadRequest"
	StatusValidationFailed     CoreStatus = "ValidationFailed"
	StatusUnauthorized         CoreStatus = "Unauthorized"
	StatusForbidden            CoreStatus = "Forbidden"
	StatusNotFound             CoreStatus = "NotFound"
	StatusConflict             CoreStatus = "Conflict"
	StatusUnprocessableEntity  CoreStatus = "UnprocessableEntity"
	StatusUnsupportedMediaType CoreStatus = "UnsupportedMediaType"
	StatusTooManyRequests      CoreStatus = "TooManyRequests"
	StatusClientClosedRequest  CoreStatus = "ClientClosedRequest"
	StatusInternal             CoreStatus = "Internal"
	StatusNotImplemented       CoreStatus = "NotImplemented"
	StatusBadGateway           CoreStatus = "BadGateway"
	StatusServiceUnavailable   CoreStatus = "ServiceUnavailable"
	StatusTimeout              CoreStatus = "Timeout"
	StatusGatewayTimeout       CoreStatus = "GatewayTimeout"

	// ledger domain
	StatusInsufficientBalance CoreStatus = "InsufficientBalance"
	StatusIntegrityViolation  CoreStatus = "IntegrityViolation"
)

// HTTPStatus converts the CoreStatus to an HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusIntegrityViolation:
		return http.StatusConflict
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusInsufficientBalance:
		return http.StatusPaymentRequired
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case StatusTimeout, StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether any error in err's chain is a BaseError carrying status.
func Is(err error, status CoreStatus) bool {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code == status
	}
	return false
}
