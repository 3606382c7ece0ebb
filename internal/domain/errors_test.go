package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Balancer.AssignTask", ErrBackpressure, "utilization 0.92")
	want := "Balancer.AssignTask: utilization 0.92: system under backpressure"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Orchestrator.AssignTask", ErrShutdown, "")
	want := "Orchestrator.AssignTask: orchestrator is shut down"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrapAndAs(t *testing.T) {
	err := WrapOp("outer", NewDomainError("Registry.Get", ErrUnknownAgentType, "astronaut"))
	assert.True(t, errors.Is(err, ErrUnknownAgentType))

	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Registry.Get", de.Op)
	assert.Equal(t, "astronaut", de.Detail)
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeUnknownAgentType, ErrorCodeOf(ErrUnknownAgentType))
	assert.Equal(t, CodeBackpressure, ErrorCodeOf(ErrBackpressure))
	assert.Equal(t, CodeNoAssignment, ErrorCodeOf(ErrNoAssignment))
	assert.Equal(t, CodeImportInvalid, ErrorCodeOf(ErrImportInvalid))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrUnknownAction)
	assert.Equal(t, CodeUnknownAction, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownAndNil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, NewDomainError("Op", fmt.Errorf("custom"), "").Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestNewSubSystemError(t *testing.T) {
	err := NewSubSystemError("orchestrator", "RemoveAgent", ErrNotFound, "be-1")
	// SubSystem is metadata, not part of Error().
	assert.Equal(t, "RemoveAgent: be-1: not found", err.Error())
	assert.Equal(t, "orchestrator", err.SubSystem)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "", NewDomainError("Op", ErrNotFound, "").SubSystem)
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		subsystem string
		sentinel  error
		want      ErrorCode
	}{
		{"registry", ErrNotFound, CodeAgentTypeNotFound},
		{"registry", ErrInvalidInput, CodeAgentTypeInvalid},
		{"orchestrator", ErrNotFound, CodeAgentNotFound},
		{"orchestrator", ErrDuplicate, CodeAgentDuplicate},
		{"balancer", ErrInvalidInput, CodeRebalanceInvalid},
		{"balancer", ErrLimitReached, CodeQueueFull},
		{"optimizer", ErrInvalidInput, CodeActionInvalid},
		{"matcher", ErrInvalidInput, CodeRequirementsBad},
		{"unknown-subsystem", ErrNotFound, CodeNotFound},
		{"balancer", ErrBackpressure, CodeBackpressure},
	}
	for _, tt := range tests {
		t.Run(tt.subsystem+"/"+string(tt.want), func(t *testing.T) {
			err := NewSubSystemError(tt.subsystem, "Op", tt.sentinel, "")
			assert.Equal(t, tt.want, ErrorCodeOf(err))
			assert.Equal(t, tt.want, ErrorCodeOf(WrapOp("outer", err)))
		})
	}
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrInsufficientData)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: insufficient data", outer.Error())
	assert.True(t, errors.Is(outer, ErrInsufficientData))
	assert.Equal(t, CodeInsufficientData, ErrorCodeOf(outer))
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(ErrBackpressure))
	assert.True(t, IsRetryableError(WrapOp("op", ErrUnavailable)))
	assert.False(t, IsRetryableError(ErrUnknownAgentType))
	assert.False(t, IsRetryableError(nil))
}
