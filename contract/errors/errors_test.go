package errors_test

import (
	"errors"
	"testing"

	cerr "github.com/storyloom/loom-core/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := cerr.Code(cerr.ErrCodePublishFailed)
	if e.Error() != cerr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{cerr.ErrHandlerNotFound, cerr.ErrCodeHandlerNotFound},
		{cerr.ErrHandlerTypeMismatch, cerr.ErrCodeHandlerTypeMismatch},
		{cerr.ErrAsyncNotConfigured, cerr.ErrCodeAsyncNotConfigured},
		{cerr.ErrEnqueueFailed, cerr.ErrCodeEnqueueFailed},
		{cerr.ErrPublishFailed, cerr.ErrCodePublishFailed},
		{cerr.ErrSerializationFailed, cerr.ErrCodeSerializationFailed},
		{cerr.ErrCircuitOpen, cerr.ErrCodeCircuitOpen},
		{cerr.ErrTimeout, cerr.ErrCodeTimeout},
		{cerr.ErrRetriesExhausted, cerr.ErrCodeRetriesExhausted},
		{cerr.ErrNotRegistered, cerr.ErrCodeNotRegistered},
		{cerr.ErrNoActiveScope, cerr.ErrCodeNoActiveScope},
		{cerr.ErrScopeClosed, cerr.ErrCodeScopeClosed},
		{cerr.ErrStreamClosed, cerr.ErrCodeStreamClosed},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, cerr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestWrappedCodesSurviveIs(t *testing.T) {
	wrapped := errors.Join(cerr.ErrRetriesExhausted, errors.New("dial tcp: refused"))
	if !errors.Is(wrapped, cerr.ErrRetriesExhausted) {
		t.Fatalf("joined error lost its code")
	}
}
