// Package status creates errors that carry a gRPC status code and provides
// predicates for testing the code of an error. All errors that cross a
// component boundary in this codebase are created by (or wrapped with) this
// package so that callers can dispatch on the kind of failure without string
// matching.
package status

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

var LogErrorStackTraces = flag.Bool("app.log_error_stack_traces", false, "If true, stack traces will be printed for errors that have them.")

const stackDepth = 10

type stack []uintptr

func (s *stack) StackTrace() errors.StackTrace {
	f := make([]errors.Frame, len(*s))
	for i := range f {
		f[i] = errors.Frame((*s)[i])
	}
	return f
}

func callers() *stack {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// statusError is an error with a gRPC status code. The wrapped error is kept
// so errors.Is / errors.As still see through it.
type statusError struct {
	code    codes.Code
	err     error
	details []protoadapt.MessageV1
}

func (e *statusError) Error() string { return e.GRPCStatus().String() }
func (e *statusError) Unwrap() error { return e.err }

func (e *statusError) GRPCStatus() *status.Status {
	s := status.New(e.code, e.err.Error())
	if len(e.details) == 0 {
		return s
	}
	withDetails, err := s.WithDetails(e.details...)
	if err != nil {
		return status.New(codes.Internal, fmt.Sprintf("add error details: %s", err))
	}
	return withDetails
}

type tracedError struct {
	error
	*stack
}

func (t *tracedError) Unwrap() error { return t.error }

func (t *tracedError) GRPCStatus() *status.Status {
	if se, ok := t.error.(interface{ GRPCStatus() *status.Status }); ok {
		return se.GRPCStatus()
	}
	return status.New(codes.Unknown, "")
}

func newError(code codes.Code, msg string) error {
	se := &statusError{code: code, err: stderrors.New(msg)}
	if !*LogErrorStackTraces {
		return se
	}
	return &tracedError{se, callers()}
}

func newErrorf(code codes.Code, format string, a ...interface{}) error {
	se := &statusError{code: code, err: fmt.Errorf(format, a...)}
	if !*LogErrorStackTraces {
		return se
	}
	return &tracedError{se, callers()}
}

// Code returns the gRPC code of an error, codes.OK for nil.
func Code(err error) codes.Code {
	return status.Code(err)
}

func CanceledError(msg string) error  { return newError(codes.Canceled, msg) }
func IsCanceledError(err error) bool  { return status.Code(err) == codes.Canceled }
func CanceledErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Canceled, format, a...)
}

func UnknownError(msg string) error { return newError(codes.Unknown, msg) }
func IsUnknownError(err error) bool { return status.Code(err) == codes.Unknown }
func UnknownErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Unknown, format, a...)
}

func InvalidArgumentError(msg string) error { return newError(codes.InvalidArgument, msg) }
func IsInvalidArgumentError(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}
func InvalidArgumentErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.InvalidArgument, format, a...)
}

func DeadlineExceededError(msg string) error { return newError(codes.DeadlineExceeded, msg) }
func IsDeadlineExceededError(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded
}
func DeadlineExceededErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.DeadlineExceeded, format, a...)
}

func NotFoundError(msg string) error { return newError(codes.NotFound, msg) }
func IsNotFoundError(err error) bool { return status.Code(err) == codes.NotFound }
func NotFoundErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.NotFound, format, a...)
}

func AlreadyExistsError(msg string) error { return newError(codes.AlreadyExists, msg) }
func IsAlreadyExistsError(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
func AlreadyExistsErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.AlreadyExists, format, a...)
}

func ResourceExhaustedError(msg string) error { return newError(codes.ResourceExhausted, msg) }
func IsResourceExhaustedError(err error) bool {
	return status.Code(err) == codes.ResourceExhausted
}
func ResourceExhaustedErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.ResourceExhausted, format, a...)
}

func FailedPreconditionError(msg string) error { return newError(codes.FailedPrecondition, msg) }
func IsFailedPreconditionError(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
func FailedPreconditionErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.FailedPrecondition, format, a...)
}

func AbortedError(msg string) error { return newError(codes.Aborted, msg) }
func IsAbortedError(err error) bool { return status.Code(err) == codes.Aborted }
func AbortedErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Aborted, format, a...)
}

func OutOfRangeError(msg string) error { return newError(codes.OutOfRange, msg) }
func IsOutOfRangeError(err error) bool { return status.Code(err) == codes.OutOfRange }
func OutOfRangeErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.OutOfRange, format, a...)
}

func UnimplementedError(msg string) error { return newError(codes.Unimplemented, msg) }
func IsUnimplementedError(err error) bool {
	return status.Code(err) == codes.Unimplemented
}
func UnimplementedErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Unimplemented, format, a...)
}

func InternalError(msg string) error { return newError(codes.Internal, msg) }
func IsInternalError(err error) bool { return status.Code(err) == codes.Internal }
func InternalErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Internal, format, a...)
}

func UnavailableError(msg string) error { return newError(codes.Unavailable, msg) }
func IsUnavailableError(err error) bool { return status.Code(err) == codes.Unavailable }
func UnavailableErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Unavailable, format, a...)
}

func DataLossError(msg string) error { return newError(codes.DataLoss, msg) }
func IsDataLossError(err error) bool { return status.Code(err) == codes.DataLoss }
func DataLossErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.DataLoss, format, a...)
}

// WrapError prepends context to an error description, preserving the
// underlying status code.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) {
		se.err = fmt.Errorf("%s: %w", msg, se.err)
		return se
	}
	return &statusError{
		code: status.Code(err),
		err:  fmt.Errorf("%s: %w", msg, err),
	}
}

// WrapErrorf is the "Printf" version of WrapError.
func WrapErrorf(err error, format string, a ...interface{}) error {
	return WrapError(err, fmt.Sprintf(format, a...))
}

// WithReason attaches a constant UPPER_SNAKE_CASE reason code to an error,
// for cases where callers need more granularity than the status code alone.
func WithReason(err error, reason string) error {
	info := &errdetails.ErrorInfo{
		Reason: reason,
		Domain: "rangestore.io",
	}
	var se *statusError
	if !errors.As(err, &se) {
		se = &statusError{code: status.Code(err), err: err}
	}
	se.details = append(se.details, info)
	return se
}

// Reason extracts the reason code attached with WithReason, or "".
func Reason(err error) string {
	var se *statusError
	if !errors.As(err, &se) {
		return ""
	}
	for _, d := range se.details {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.GetReason()
		}
	}
	return ""
}

// Message extracts the error message from an error, which for status errors
// is just the "desc" part.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.err.Error()
	}
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}

// FromContextError converts ctx.Err() to the equivalent status error.
func FromContextError(ctx context.Context) error {
	s := status.FromContextError(ctx.Err())
	return status.ErrorProto(s.Proto())
}

// MetricsLabel returns the metric label value for an error (or nil).
func MetricsLabel(err error) string {
	if s := status.FromContextError(err); s.Code() != codes.Unknown {
		return s.Code().String()
	}
	return status.Code(err).String()
}
