package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind is the stable classification reported to callers of a turn.
type Kind string

const (
	KindProtocol       Kind = "protocol_error"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindToolFailure    Kind = "tool_failure"
	KindLoopLimit      Kind = "loop_limit_exceeded"
	KindNetwork        Kind = "network_error"
	KindProvider       Kind = "provider_error"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal_error"
)

// Sentinels for errors.Is against an *Error of the matching kind.
var (
	ErrProtocol       = errors.New(string(KindProtocol))
	ErrBudgetExceeded = errors.New(string(KindBudgetExceeded))
	ErrToolFailure    = errors.New(string(KindToolFailure))
	ErrLoopLimit      = errors.New(string(KindLoopLimit))
	ErrNetwork        = errors.New(string(KindNetwork))
)

// Error is a classified failure of a turn.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Op)
	}
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrBudgetExceeded:
		return e.Kind == KindBudgetExceeded
	case ErrToolFailure:
		return e.Kind == KindToolFailure
	case ErrLoopLimit:
		return e.Kind == KindLoopLimit
	case ErrNetwork:
		return e.Kind == KindNetwork
	}
	return false
}

// ProtocolErrorf reports a response shape the adapter does not recognise.
func ProtocolErrorf(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error returned from a turn.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if pe, ok := IsProviderError(err); ok {
		if pe.Retryable {
			return KindNetwork
		}
		return KindProvider
	}
	return KindInternal
}

// IsRetryable reports whether the caller may resend the turn unchanged.
func IsRetryable(err error) bool {
	if pe, ok := IsProviderError(err); ok {
		return pe.Retryable
	}
	return KindOf(err) == KindNetwork
}

// ErrorType classifies provider errors for UI handling
type ErrorType string

const (
	ErrorTypeRateLimit          ErrorType = "rate_limit"          // 429 - too many requests
	ErrorTypeQuotaExceeded      ErrorType = "quota_exceeded"      // billing or usage cap
	ErrorTypeInsufficientCredit ErrorType = "insufficient_credit" // 402 - no balance
	ErrorTypeProviderDown       ErrorType = "provider_down"       // 5xx, 529 - upstream issue
	ErrorTypeAuth               ErrorType = "auth"                // 401 - bad API key
	ErrorTypeModeration         ErrorType = "moderation"          // 403 - content flagged
	ErrorTypeInvalidRequest     ErrorType = "invalid_request"     // 400, 404, 413, 422
	ErrorTypeUnknown            ErrorType = "unknown"             // Fallback
)

// ProviderError is a structured error returned by LLM clients
type ProviderError struct {
	Type       ErrorType      // Classification
	Provider   string         // "anthropic", "openai", "gemini"
	Code       string         // Raw status or vendor code
	Message    string         // Human-readable message
	RetryAfter *time.Duration // How long to wait (if known)
	Retryable  bool           // The caller may resend
}

func (e *ProviderError) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Provider, e.Message, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsProviderError checks if err is a ProviderError and returns it
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NewProviderError creates a new ProviderError with the given parameters
func NewProviderError(provider string, errType ErrorType, code, message string) *ProviderError {
	return &ProviderError{
		Type:     errType,
		Provider: provider,
		Code:     code,
		Message:  message,
	}
}

// StatusError builds a ProviderError from a non-success HTTP reply. The message is
// taken from the common {"error":{"message":...}} envelope when present.
func StatusError(provider string, status int, body []byte, header http.Header) *ProviderError {
	msg := extractErrorMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	pe := NewProviderError(provider, classifyStatus(status), strconv.Itoa(status), msg)
	switch {
	case status == http.StatusTooManyRequests, status == 529, status >= 500:
		pe.Retryable = true
	}
	if header != nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
			d := time.Duration(secs) * time.Second
			pe.RetryAfter = &d
		}
	}
	return pe
}

func classifyStatus(status int) ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusUnauthorized:
		return ErrorTypeAuth
	case status == http.StatusPaymentRequired:
		return ErrorTypeInsufficientCredit
	case status == http.StatusForbidden:
		return ErrorTypeModeration
	case status == 529 || status >= 500:
		return ErrorTypeProviderDown
	case status >= 400:
		return ErrorTypeInvalidRequest
	}
	return ErrorTypeUnknown
}

func extractErrorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return strings.TrimSpace(truncate(string(body), 300))
	}
	var detail struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}
	var plain string
	if err := json.Unmarshal(envelope.Error, &plain); err == nil {
		return plain
	}
	return truncate(string(envelope.Error), 300)
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
