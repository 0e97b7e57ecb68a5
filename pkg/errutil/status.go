package errutil

import "net/http"

type CoreStatus string

const (
	StatusBadRequest           CoreStatus = "BAD_REQUEST"
	StatusValidationFailed     CoreStatus = "VALIDATION_FAILED"
	StatusInsufficientPoints   CoreStatus = "INSUFFICIENT_POINTS"
	StatusFailedPrecondition   CoreStatus = "FAILED_PRECONDITION"
	StatusNotFound             CoreStatus = "NOT_FOUND"
	StatusConflict             CoreStatus = "CONFLICT"
	StatusUnprocessableEntity  CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusUnsupportedMediaType CoreStatus = "UNSUPPORTED_MEDIA_TYPE"
	StatusUnauthorized         CoreStatus = "UNAUTHORIZED"
	StatusForbidden            CoreStatus = "FORBIDDEN"
	StatusTooManyRequests      CoreStatus = "TOO_MANY_REQUESTS"
	StatusClientClosedRequest  CoreStatus = "CLIENT_CLOSED_REQUEST"
	StatusCacheFailure         CoreStatus = "CACHE_FAILURE"
	StatusNetworkFailure       CoreStatus = "NETWORK_FAILURE"
	StatusTimeout              CoreStatus = "TIMEOUT"
	StatusGatewayTimeout       CoreStatus = "GATEWAY_TIMEOUT"
	StatusInternal             CoreStatus = "INTERNAL"
	StatusNotImplemented       CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway           CoreStatus = "BAD_GATEWAY"
	StatusServiceUnavailable   CoreStatus = "SERVICE_UNAVAILABLE"
	StatusUnknown              CoreStatus = "UNKNOWN"
)

// HTTPStatus converts the CoreStatus to the HTTP status code returned by the gin handlers.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusInsufficientPoints, StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusFailedPrecondition, StatusConflict:
		return http.StatusConflict
	case StatusNotFound:
		return http.StatusNotFound
	case StatusUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusClientClosedRequest:
		return 499
	case StatusCacheFailure, StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	case StatusNetworkFailure, StatusBadGateway:
		return http.StatusBadGateway
	case StatusTimeout, StatusGatewayTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether an operation failing with this status may succeed when repeated.
func (s CoreStatus) Retryable() bool {
	switch s {
	case StatusCacheFailure, StatusNetworkFailure, StatusTimeout, StatusGatewayTimeout,
		StatusServiceUnavailable, StatusBadGateway, StatusTooManyRequests:
		return true
	default:
		return false
	}
}
