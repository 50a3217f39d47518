package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorCategory represents the category of error
type ErrorCategory string

const (
	CategoryFatal        ErrorCategory = "fatal"
	CategoryRecoverable  ErrorCategory = "recoverable"
	CategoryProgramming  ErrorCategory = "programming"
	CategoryCollaborator ErrorCategory = "collaborator"
	CategoryValidation   ErrorCategory = "validation"
	CategoryUnknown      ErrorCategory = "unknown"
)

const (
	// Run-fatal errors (1xxx)
	CodePlanningFailed  = "RES-1001" // plan or decompose call errored
	CodeSynthesisFailed = "RES-1002" // final report could not be produced
	CodeRunCancelled    = "RES-1003" // context ended between phases

	// Recovered worker errors (2xxx)
	CodeTaskExecutionFailed = "RES-2001" // a searcher task failed
	CodeAnalysisFailed      = "RES-2002" // an extractor task failed
	CodeVerificationFailed  = "RES-2003" // a fact-checker task failed

	// Memory misuse (3xxx)
	CodeMemoryNotInitialized     = "RES-3001"
	CodeMemoryAlreadyInitialized = "RES-3002"

	// Collaborator errors (4xxx)
	CodePersistenceFailed = "RES-4001"
	CodePublishFailed     = "RES-4002"

	// Validation errors (5xxx)
	CodeInvalidInput = "RES-5001"
)

// ErrorSeverity represents the severity level
type ErrorSeverity int

const (
	SeverityCritical ErrorSeverity = iota // run aborted
	SeverityHigh                          // caller bug
	SeverityMedium                        // degraded result
	SeverityLow                           // informational
)

// Sentinels for errors.Is. Only the Code is compared.
var (
	PlanningFailed           = &ResearchError{Code: CodePlanningFailed}
	SynthesisFailed          = &ResearchError{Code: CodeSynthesisFailed}
	RunCancelled             = &ResearchError{Code: CodeRunCancelled}
	TaskExecutionFailed      = &ResearchError{Code: CodeTaskExecutionFailed}
	AnalysisFailed           = &ResearchError{Code: CodeAnalysisFailed}
	VerificationFailed       = &ResearchError{Code: CodeVerificationFailed}
	MemoryNotInitialized     = &ResearchError{Code: CodeMemoryNotInitialized}
	MemoryAlreadyInitialized = &ResearchError{Code: CodeMemoryAlreadyInitialized}
	PersistenceFailed        = &ResearchError{Code: CodePersistenceFailed}
	PublishFailed            = &ResearchError{Code: CodePublishFailed}
	InvalidInput             = &ResearchError{Code: CodeInvalidInput}
)

// ResearchError represents a research pipeline error with context
type ResearchError struct {
	Code          string         `json:"code"`
	Category      ErrorCategory  `json:"category"`
	Message       string         `json:"message"`
	Phase         string         `json:"phase,omitempty"`
	Severity      ErrorSeverity  `json:"severity"`
	Retryable     bool           `json:"retryable"`
	Context       map[string]any `json:"context,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	Cause         error          `json:"-"`
}

// Error implements the error interface
func (e *ResearchError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Phase != "" {
		msg = fmt.Sprintf("[%s] %s (phase %s)", e.Code, e.Message, e.Phase)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause
func (e *ResearchError) Unwrap() error {
	return e.Cause
}

// Is matches any ResearchError carrying the same code.
func (e *ResearchError) Is(target error) bool {
	t, ok := target.(*ResearchError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ShouldRetry determines if the error is retryable
func (e *ResearchError) ShouldRetry() bool {
	return e.Retryable && e.Severity > SeverityCritical
}

// WithContext adds context to the error
func (e *ResearchError) WithContext(key string, value any) *ResearchError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithPhase records the pipeline phase the error surfaced in.
func (e *ResearchError) WithPhase(phase string) *ResearchError {
	e.Phase = phase
	return e
}

// ToJSON serializes the error to JSON
func (e *ResearchError) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new ResearchError
func New(code string, message string) *ResearchError {
	return &ResearchError{
		Code:          code,
		Category:      categoryFromCode(code),
		Message:       message,
		Severity:      severityFromCode(code),
		Retryable:     isRetryableCode(code),
		Timestamp:     time.Now(),
		CorrelationID: uuid.New().String(),
	}
}

// Newf creates a new ResearchError with a formatted message
func Newf(code string, format string, args ...any) *ResearchError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error under the given code
func Wrap(err error, code string, message string) *ResearchError {
	if err == nil {
		return nil
	}
	e := New(code, message)
	e.Cause = err
	return e
}

// As returns the outermost ResearchError in err's chain.
func As(err error) (*ResearchError, bool) {
	var re *ResearchError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Fatal reports whether err must abort a research run.
func Fatal(err error) bool {
	return stderrors.Is(err, PlanningFailed) || stderrors.Is(err, SynthesisFailed) || stderrors.Is(err, RunCancelled)
}

// PhaseOf returns the phase recorded on the outermost ResearchError.
func PhaseOf(err error) string {
	if re, ok := As(err); ok {
		return re.Phase
	}
	return ""
}

func categoryFromCode(code string) ErrorCategory {
	if len(code) < 5 {
		return CategoryUnknown
	}
	switch code[4:5] {
	case "1":
		return CategoryFatal
	case "2":
		return CategoryRecoverable
	case "3":
		return CategoryProgramming
	case "4":
		return CategoryCollaborator
	case "5":
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

func severityFromCode(code string) ErrorSeverity {
	switch code {
	case CodePlanningFailed, CodeSynthesisFailed, CodeRunCancelled:
		return SeverityCritical
	case CodeMemoryNotInitialized, CodeMemoryAlreadyInitialized, CodeInvalidInput:
		return SeverityHigh
	case CodeTaskExecutionFailed, CodeAnalysisFailed, CodeVerificationFailed:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case CodePersistenceFailed, CodePublishFailed:
		return true
	default:
		return false
	}
}
