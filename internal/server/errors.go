package server

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ollyllm/ollyllm/internal/ctxutil"
	"github.com/ollyllm/ollyllm/internal/model"
	"github.com/ollyllm/ollyllm/internal/storage"
)

// failure is the client-facing code and message for a storage error kind.
type failure struct {
	code codes.Code
	msg  string
}

// defaultFailures maps storage error kinds to statuses. Messages are fixed
// strings; driver text never reaches the client.
var defaultFailures = map[error]failure{
	storage.ErrNotFound:          {codes.NotFound, "not found"},
	storage.ErrConflict:          {codes.AlreadyExists, "already exists"},
	storage.ErrInvalid:           {codes.InvalidArgument, "request violates a storage constraint"},
	storage.ErrUnavailable:       {codes.Unavailable, "storage temporarily unavailable"},
	storage.ErrInvalidTransition: {codes.FailedPrecondition, "queue entry is not claimed by this worker"},
}

// invalidArgument builds an InvalidArgument status carrying a BadRequest
// detail with one violation per field error.
func invalidArgument(err error) error {
	fields := model.FieldErrors(err)
	st := status.New(codes.InvalidArgument, "invalid request")
	if len(fields) == 1 {
		st = status.New(codes.InvalidArgument, "invalid request: "+fields[0].Error())
	}
	br := &errdetails.BadRequest{}
	for _, f := range fields {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       f.Field,
			Description: f.Description,
		})
	}
	if withDetails, derr := st.WithDetails(br); derr == nil {
		st = withDetails
	}
	return st.Err()
}

// storageError logs err in full and returns a status safe to send to the
// client. overrides replaces the default failure for specific kinds.
func (h *Handlers) storageError(ctx context.Context, op string, err error, overrides map[error]failure) error {
	f := classify(ctx, err, overrides)

	level := slog.LevelWarn
	if f.code == codes.Internal || f.code == codes.Unavailable {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, "rpc: storage call failed",
		"op", op,
		"code", f.code.String(),
		"request_id", ctxutil.RequestIDFromContext(ctx),
		"error", err,
	)
	return status.Error(f.code, f.msg)
}

func classify(ctx context.Context, err error, overrides map[error]failure) failure {
	switch {
	case errors.Is(err, context.Canceled):
		return failure{codes.Canceled, "request cancelled"}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failure{codes.DeadlineExceeded, "deadline exceeded"}
	}
	for kind, f := range overrides {
		if errors.Is(err, kind) {
			return f
		}
	}
	for kind, f := range defaultFailures {
		if errors.Is(err, kind) {
			return f
		}
	}
	return failure{codes.Internal, "internal error"}
}
