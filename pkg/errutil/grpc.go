package errutil

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FromGRPCCode maps a gRPC status code reported by the remote store to its closest CoreStatus.
func FromGRPCCode(c codes.Code) CoreStatus {
	switch c {
	case codes.NotFound:
		return StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return StatusConflict
	case codes.InvalidArgument, codes.OutOfRange:
		return StatusBadRequest
	case codes.FailedPrecondition:
		return StatusFailedPrecondition
	case codes.Unauthenticated:
		return StatusUnauthorized
	case codes.PermissionDenied:
		return StatusForbidden
	case codes.ResourceExhausted:
		return StatusTooManyRequests
	case codes.Canceled:
		return StatusClientClosedRequest
	case codes.DeadlineExceeded, codes.Unavailable:
		return StatusNetworkFailure
	case codes.Unimplemented:
		return StatusNotImplemented
	default:
		return StatusNetworkFailure
	}
}

// FromRemoteError normalises an error returned by the remote store client into a
// BaseError. Timeouts are reported as network failures so callers queue a retry.
func FromRemoteError(msg string, err error) error {
	if err == nil {
		return nil
	}

	var base BaseError
	if errors.As(err, &base) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkFailure(msg, err)
	}

	if st, ok := status.FromError(err); ok {
		return New(FromGRPCCode(st.Code()), msg, WithErr(err))
	}

	return NetworkFailure(msg, err)
}
