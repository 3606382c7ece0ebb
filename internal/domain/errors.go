package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the orchestration engine.
var (
	ErrUnknownAgentType = fmt.Errorf("unknown agent type")
	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrAgentDuplicate   = fmt.Errorf("agent already exists")
	ErrNoCandidates     = fmt.Errorf("no candidate agent types")
	ErrUnknownStrategy  = fmt.Errorf("unknown strategy")
	ErrInvalidWeights   = fmt.Errorf("weights must sum to 1")
	ErrBackpressure     = fmt.Errorf("system under backpressure")
	ErrNoAssignment     = fmt.Errorf("no active assignment")
	ErrAgentUnusable    = fmt.Errorf("agent cannot accept work")
	ErrUnknownAction    = fmt.Errorf("unknown optimization action")
	ErrInsufficientData = fmt.Errorf("insufficient data")
	ErrCatalogLoad      = fmt.Errorf("failed to load agent catalog")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrImportInvalid    = fmt.Errorf("configuration document invalid")
	ErrShutdown         = fmt.Errorf("orchestrator is shut down")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Balancer.AssignTask")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "balancer"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient condition that may clear on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrBackpressure) || errors.Is(err, ErrUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeUnknownAgentType ErrorCode = "UNKNOWN_AGENT_TYPE"
	CodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate   ErrorCode = "AGENT_DUPLICATE"
	CodeNoCandidates     ErrorCode = "NO_CANDIDATES"
	CodeUnknownStrategy  ErrorCode = "UNKNOWN_STRATEGY"
	CodeInvalidWeights   ErrorCode = "INVALID_WEIGHTS"
	CodeBackpressure     ErrorCode = "BACKPRESSURE"
	CodeNoAssignment     ErrorCode = "NO_ASSIGNMENT"
	CodeAgentUnusable    ErrorCode = "AGENT_UNUSABLE"
	CodeUnknownAction    ErrorCode = "UNKNOWN_ACTION"
	CodeInsufficientData ErrorCode = "INSUFFICIENT_DATA"
	CodeCatalogLoad      ErrorCode = "CATALOG_LOAD"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeImportInvalid    ErrorCode = "IMPORT_INVALID"
	CodeShutdown         ErrorCode = "SHUTDOWN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentTypeNotFound ErrorCode = "AGENT_TYPE_NOT_FOUND"
	CodeAgentTypeInvalid  ErrorCode = "AGENT_TYPE_INVALID"
	CodeQueueFull         ErrorCode = "QUEUE_FULL"
	CodeRebalanceInvalid  ErrorCode = "REBALANCE_INVALID"
	CodeActionInvalid     ErrorCode = "ACTION_INVALID"
	CodeRequirementsBad   ErrorCode = "REQUIREMENTS_INVALID"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrInvalidInput: CodeInvalidInput,
	ErrLimitReached: CodeLimitReached,
	ErrUnavailable:  CodeUnavailable,

	ErrUnknownAgentType: CodeUnknownAgentType,
	ErrAgentNotFound:    CodeAgentNotFound,
	ErrAgentDuplicate:   CodeAgentDuplicate,
	ErrNoCandidates:     CodeNoCandidates,
	ErrUnknownStrategy:  CodeUnknownStrategy,
	ErrInvalidWeights:   CodeInvalidWeights,
	ErrBackpressure:     CodeBackpressure,
	ErrNoAssignment:     CodeNoAssignment,
	ErrAgentUnusable:    CodeAgentUnusable,
	ErrUnknownAction:    CodeUnknownAction,
	ErrInsufficientData: CodeInsufficientData,
	ErrCatalogLoad:      CodeCatalogLoad,
	ErrConfigLoad:       CodeConfigLoad,
	ErrImportInvalid:    CodeImportInvalid,
	ErrShutdown:         CodeShutdown,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"registry":     CodeAgentTypeNotFound,
		"balancer":     CodeAgentNotFound,
		"optimizer":    CodeAgentNotFound,
		"orchestrator": CodeAgentNotFound,
	},
	ErrDuplicate: {
		"balancer":     CodeAgentDuplicate,
		"orchestrator": CodeAgentDuplicate,
	},
	ErrInvalidInput: {
		"registry":  CodeAgentTypeInvalid,
		"balancer":  CodeRebalanceInvalid,
		"optimizer": CodeActionInvalid,
		"matcher":   CodeRequirementsBad,
	},
	ErrLimitReached: {
		"balancer": CodeQueueFull,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
