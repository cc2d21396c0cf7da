package grpcserver

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/nodex/internal/errs"
)

// KindTrailer carries errs.Kind of a failed call.
const KindTrailer = "x-nodex-error-kind"

var kindCodes = map[string]codes.Code{
	errs.KindValidation:         codes.InvalidArgument,
	errs.KindDuplicateIP:        codes.AlreadyExists,
	errs.KindNotFound:           codes.NotFound,
	errs.KindUnknownSession:     codes.NotFound,
	errs.KindMissingPassword:    codes.InvalidArgument,
	errs.KindMissingCredentials: codes.FailedPrecondition,
	errs.KindConfiguration:      codes.FailedPrecondition,
	errs.KindCrypto:             codes.DataLoss,
	errs.KindTransport:          codes.Unavailable,
}

// toStatus maps a domain error onto a gRPC status and its kind. Internal
// errors get a generic message; their detail stays in the server log.
func toStatus(err error) (*status.Status, string) {
	if st, ok := status.FromError(err); ok {
		return st, errs.KindInternal
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, "canceled"), errs.KindInternal
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, "deadline exceeded"), errs.KindInternal
	}
	kind := errs.Kind(err)
	code, ok := kindCodes[kind]
	if !ok {
		return status.New(codes.Internal, "internal error"), errs.KindInternal
	}
	return status.New(code, err.Error()), kind
}

func kindMD(kind string) metadata.MD { return metadata.Pairs(KindTrailer, kind) }

// fail converts err for a unary handler and attaches the kind trailer.
func (s *Server) fail(ctx context.Context, err error) error {
	st, kind := s.convert(err)
	_ = grpc.SetTrailer(ctx, kindMD(kind))
	return st.Err()
}

// failStream converts err for a streaming handler and attaches the kind trailer.
func (s *Server) failStream(stream grpc.ServerStream, err error) error {
	st, kind := s.convert(err)
	stream.SetTrailer(kindMD(kind))
	return st.Err()
}

func (s *Server) convert(err error) (*status.Status, string) {
	st, kind := toStatus(err)
	if st.Code() == codes.Internal {
		s.log.Error("internal error", zap.Error(err))
	}
	return st, kind
}

func errorInfo(err error) *ErrorInfo {
	st, kind := toStatus(err)
	return &ErrorInfo{Kind: kind, Message: st.Message()}
}
