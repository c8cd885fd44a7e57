package status_test

import (
	"errors"
	"testing"

	"github.com/rangestore-io/rangestore/server/util/status"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	gstatus "google.golang.org/grpc/status"
)

func TestStatusIs(t *testing.T) {
	innerErr := errors.New("inner error")

	err := status.NotFoundErrorf("NotFound: %w", innerErr)
	assert.True(t, status.IsNotFoundError(err))
	assert.True(t, errors.Is(err, innerErr))

	err = status.FailedPreconditionErrorf("FailedPrecondition: %w", innerErr)
	assert.True(t, status.IsFailedPreconditionError(err))
	assert.True(t, errors.Is(err, innerErr))

	err = status.UnavailableErrorf("Unavailable: %w", innerErr)
	assert.True(t, status.IsUnavailableError(err))
	assert.True(t, errors.Is(err, innerErr))

	err = status.AlreadyExistsErrorf("AlreadyExists: %w", innerErr)
	assert.True(t, status.IsAlreadyExistsError(err))
	assert.True(t, errors.Is(err, innerErr))

	err = status.DataLossErrorf("DataLoss: %w", innerErr)
	assert.True(t, status.IsDataLossError(err))
	assert.True(t, errors.Is(err, innerErr))
}

func TestGRPCStatusCode(t *testing.T) {
	err := status.NotFoundError("it is not there")
	assert.Equal(t, codes.NotFound, gstatus.Code(err))
	assert.Equal(t, "it is not there", status.Message(err))
}

func TestWrapErrorPreservesCode(t *testing.T) {
	err := status.UnavailableError("filesystem gone")
	wrapped := status.WrapError(err, "flush region user,,1")
	assert.True(t, status.IsUnavailableError(wrapped))
	assert.Equal(t, "flush region user,,1: filesystem gone", status.Message(wrapped))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.Nil(t, status.WrapError(nil, "context"))
}

func TestWithReason(t *testing.T) {
	err := status.FailedPreconditionError("snapshot dropped")
	err = status.WithReason(err, "DROPPED_SNAPSHOT")
	assert.True(t, status.IsFailedPreconditionError(err))
	assert.Equal(t, "DROPPED_SNAPSHOT", status.Reason(err))
}
