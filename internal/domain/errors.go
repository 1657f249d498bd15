package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the nine error kinds of spec §7. Category sentinels
// are combined with a subsystem/op via DomainError, mirroring the teacher's
// domain.DomainError taxonomy.
var (
	ErrValidation      = fmt.Errorf("validation failed")
	ErrEmbeddingFailed = fmt.Errorf("embedding generation failed")
	ErrVectorIndex     = fmt.Errorf("vector index operation failed")
	ErrCircuitOpen     = fmt.Errorf("circuit breaker open")
	ErrTimeout         = fmt.Errorf("operation timed out")
	ErrAllTiersFailed  = fmt.Errorf("all participating tiers failed")
	ErrNotFound        = fmt.Errorf("not found")
	ErrUnavailable     = fmt.Errorf("coordinator unavailable")
	ErrConfiguration   = fmt.Errorf("illegal configuration")
)

// Transient/Permanent sub-classification for VectorIndex and Embedding
// errors (spec §4.A, §6). Only Transient errors are retried internally.
var (
	ErrTransient = fmt.Errorf("transient error")
	ErrPermanent = fmt.Errorf("permanent error")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name, e.g. "Writer.Store"
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // component identifier, e.g. "embedding", "vectorindex"
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

// NewSubSystemError creates a DomainError tagged with the originating
// component, for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context via fmt.Errorf wrapping. Returns nil if err
// is nil, enabling idiomatic use: return domain.WrapOp("op", err).
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryable reports whether err is a Transient failure eligible for
// internal retry by the Embedding Client or Vector Index Adapter.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ErrorCode is a machine-parseable error category, exposed for callers
// and any future monitoring surface.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeValidation      ErrorCode = "VALIDATION"
	CodeEmbeddingFailed ErrorCode = "EMBEDDING_FAILED"
	CodeVectorIndex     ErrorCode = "VECTOR_INDEX"
	CodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	CodeTimeout         ErrorCode = "TIMEOUT"
	CodeAllTiersFailed  ErrorCode = "ALL_TIERS_FAILED"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeUnavailable     ErrorCode = "UNAVAILABLE"
	CodeConfiguration   ErrorCode = "CONFIGURATION"
)

var errorCodeMap = map[error]ErrorCode{
	ErrValidation:      CodeValidation,
	ErrEmbeddingFailed: CodeEmbeddingFailed,
	ErrVectorIndex:     CodeVectorIndex,
	ErrCircuitOpen:     CodeCircuitOpen,
	ErrTimeout:         CodeTimeout,
	ErrAllTiersFailed:  CodeAllTiersFailed,
	ErrNotFound:        CodeNotFound,
	ErrUnavailable:     CodeUnavailable,
	ErrConfiguration:   CodeConfiguration,
}

// ErrorCodeOf returns the machine-parseable code for err, unwrapping
// DomainError and walking the error chain with errors.Is. Returns
// CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
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
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
