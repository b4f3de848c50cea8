package taxonomy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_StatusCodeDriven(t *testing.T) {
	assert.Equal(t, KindCBFailure, Classify(nil, 500))
	assert.Equal(t, KindCBFailure, Classify(nil, 503))
	assert.Equal(t, KindNonCBFailure, Classify(nil, 404))
	assert.Equal(t, KindNonCBFailure, Classify(nil, 429))
}

func TestClassify_TimeoutIsCBFailure(t *testing.T) {
	assert.Equal(t, KindCBFailure, Classify(context.DeadlineExceeded, 0))
	assert.Equal(t, KindCBFailure, Classify(context.Canceled, 0))
}

func TestClassify_NetworkErrorIsCBFailure(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	assert.Equal(t, KindCBFailure, Classify(err, 0))
}

func TestClassify_ValidationErrorIsNonCBFailure(t *testing.T) {
	assert.Equal(t, KindNonCBFailure, Classify(errors.New("invalid argument"), 0))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(KindCBFailure))
	assert.False(t, IsRetryable(KindNonCBFailure))
}
