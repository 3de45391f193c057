package orchestrator

import (
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeDuplicateRequest       = "DUPLICATE_REQUEST"
	ErrCodeNoDefinition           = "NO_DEFINITION"
	ErrCodeInvalidDefinition      = "INVALID_DEFINITION"
	ErrCodeInvalidReason          = "INVALID_REASON"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeRequestNotFound        = "REQUEST_NOT_FOUND"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeCancellationNotAllowed = "CANCELLATION_NOT_ALLOWED"
	ErrCodeRollbackWindowExpired  = "ROLLBACK_WINDOW_EXPIRED"
	ErrCodeRollbackNotPossible    = "ROLLBACK_NOT_POSSIBLE"
	ErrCodePartialRollback        = "PARTIAL_ROLLBACK"
	ErrCodeApprovalNotFound       = "APPROVAL_NOT_FOUND"
	ErrCodeDependencyNotFound     = "DEPENDENCY_NOT_FOUND"
	ErrCodeStepNotFound           = "STEP_NOT_FOUND"
	ErrCodeVersionConflict        = "VERSION_CONFLICT"
	ErrCodeConcurrencyViolation   = "CONCURRENCY_VIOLATION"
	ErrCodeStepExecutionFailed    = "STEP_EXECUTION_FAILED"
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeValidationEscalated    = "VALIDATION_ESCALATED"
	ErrCodeHandlerNotFound        = "HANDLER_NOT_FOUND"
)

var (
	ErrDuplicateRequest = apperrors.New("an active request already exists for this subject", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateRequest)
	ErrNoDefinition = apperrors.New("no workflow definition registered", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNoDefinition)
	ErrInvalidDefinition = apperrors.New("invalid workflow definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrInvalidReason = apperrors.New("reason not allowed for process type", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidReason)
	ErrInvalidRequest = apperrors.New("invalid request", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidRequest)
	ErrRequestNotFound = apperrors.New("workflow request not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeRequestNotFound)
	ErrInvalidTransition = apperrors.New("invalid status transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrCancellationNotAllowed = apperrors.New("cancellation not allowed", apperrors.CategoryConflict).
					WithTextCode(ErrCodeCancellationNotAllowed)
	ErrRollbackWindowExpired = apperrors.New("rollback window expired", apperrors.CategoryConflict).
					WithTextCode(ErrCodeRollbackWindowExpired)
	ErrRollbackNotPossible = apperrors.New("rollback not possible", apperrors.CategoryConflict).
				WithTextCode(ErrCodeRollbackNotPossible)
	ErrPartialRollback = apperrors.New("rollback stopped before completion", apperrors.CategoryHandler).
				WithTextCode(ErrCodePartialRollback)
	ErrApprovalNotFound = apperrors.New("approval not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeApprovalNotFound)
	ErrDependencyNotFound = apperrors.New("dependency not found", apperrors.CategoryNotFound).
				WithTextCode(ErrCodeDependencyNotFound)
	ErrStepNotFound = apperrors.New("step not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeStepNotFound)
	ErrVersionConflict = apperrors.New("request version conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeVersionConflict)
	ErrConcurrencyViolation = apperrors.New("concurrent processing of the same request", apperrors.CategoryInternal).
				WithTextCode(ErrCodeConcurrencyViolation)
	ErrStepExecutionFailed = apperrors.New("step execution failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeStepExecutionFailed)
	ErrValidationFailed = apperrors.New("step validation failed", apperrors.CategoryValidation).
				WithTextCode(ErrCodeValidationFailed)
	ErrValidationEscalated = apperrors.New("step validation escalated for review", apperrors.CategoryValidation).
				WithTextCode(ErrCodeValidationEscalated)
	ErrHandlerNotFound = apperrors.New("no handler registered", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeHandlerNotFound)
)

// NewError clones base with a specific message, source and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidRequest
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Errorf clones base with a formatted message.
func Errorf(base *apperrors.Error, format string, args ...any) *apperrors.Error {
	return NewError(base, fmt.Sprintf(format, args...), nil, nil)
}

// ErrorCode returns the text code of the first go-errors value in err's chain.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

func IsDuplicateRequest(err error) bool { return HasCode(err, ErrCodeDuplicateRequest) }

func IsNoDefinition(err error) bool { return HasCode(err, ErrCodeNoDefinition) }

func IsNotFound(err error) bool { return HasCode(err, ErrCodeRequestNotFound) }

func IsCancellationNotAllowed(err error) bool { return HasCode(err, ErrCodeCancellationNotAllowed) }

func IsRollbackWindowExpired(err error) bool { return HasCode(err, ErrCodeRollbackWindowExpired) }

func IsRollbackNotPossible(err error) bool { return HasCode(err, ErrCodeRollbackNotPossible) }

func IsPartialRollback(err error) bool { return HasCode(err, ErrCodePartialRollback) }

func IsVersionConflict(err error) bool { return HasCode(err, ErrCodeVersionConflict) }

func IsInvalidTransition(err error) bool { return HasCode(err, ErrCodeInvalidTransition) }
