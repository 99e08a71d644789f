package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/carechat/internal/errs"
)

var kindCodes = map[errs.Kind]codes.Code{
	errs.Network:         codes.Unavailable,
	errs.Unavailable:     codes.Unavailable,
	errs.Permission:      codes.PermissionDenied,
	errs.NotFound:        codes.NotFound,
	errs.InvalidArgument: codes.InvalidArgument,
	errs.PoolTimeout:     codes.ResourceExhausted,
	errs.Decode:          codes.DataLoss,
	errs.Internal:        codes.Internal,
}

// statusError converts an engine error into a gRPC status.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	code, ok := kindCodes[errs.KindOf(err)]
	if !ok {
		code = codes.Unknown
	}
	return grpcstatus.Error(code, err.Error())
}

// clientError turns a gRPC status back into a classified error so callers
// on the client side can use errs.Is.
func clientError(op string, err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return errs.E(errs.Network, op, err)
	}
	var kind errs.Kind
	switch st.Code() {
	case codes.Unavailable:
		kind = errs.Unavailable
	case codes.PermissionDenied:
		kind = errs.Permission
	case codes.NotFound:
		kind = errs.NotFound
	case codes.InvalidArgument:
		kind = errs.InvalidArgument
	case codes.ResourceExhausted:
		kind = errs.PoolTimeout
	case codes.DataLoss:
		kind = errs.Decode
	case codes.Internal:
		kind = errs.Internal
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		kind = errs.Other
	}
	return errs.E(kind, op, errors.New(st.Message()))
}
