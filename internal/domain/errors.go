package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigValidation      = fmt.Errorf("provider config invalid")
	ErrUnknownProvider       = fmt.Errorf("unknown provider")
	ErrUnknownAssistant      = fmt.Errorf("unknown assistant")
	ErrNoProviderConfigured  = fmt.Errorf("no AI provider configured")
	ErrProviderNotConfigured = fmt.Errorf("AI provider not properly configured")
	ErrConversationNotFound  = fmt.Errorf("conversation %w", ErrNotFound)
	ErrTransport             = fmt.Errorf("transport failure")
	ErrResponseFormat        = fmt.Errorf("invalid response format")
	ErrStreamInterrupted     = fmt.Errorf("stream interrupted")
	ErrConfigLoad            = fmt.Errorf("failed to load configuration")
	ErrDecryption            = fmt.Errorf("decryption failed")
	ErrStorage               = fmt.Errorf("storage operation failed")
	ErrRateLimit             = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid           = fmt.Errorf("authentication failed")
	ErrCircuitOpen           = fmt.Errorf("provider circuit open")
	ErrGatewayAuthFailed     = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound     = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload     = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Service.SetProvider")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// TransportError reports a non-success HTTP status from a provider.
type TransportError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Provider, e.StatusCode)
}

// Is lets errors.Is match the transport sentinel and the status-derived
// classification (429 is a rate limit, 401/403 an auth failure).
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return true
	case ErrRateLimit:
		return e.StatusCode == 429
	case ErrAuthInvalid:
		return e.StatusCode == 401 || e.StatusCode == 403
	}
	return false
}

// ResponseFormatError reports a success status whose body did not match
// the provider's expected shape.
type ResponseFormatError struct {
	Provider string
	Detail   string
}

func (e *ResponseFormatError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Provider, ErrResponseFormat, e.Detail)
}

func (e *ResponseFormatError) Unwrap() error { return ErrResponseFormat }

// StreamInterruptedError reports a connection that dropped after Delivered
// deltas had already reached the caller.
type StreamInterruptedError struct {
	Provider  string
	Delivered int
	Err       error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("%s: %s after %d deltas: %v", e.Provider, ErrStreamInterrupted, e.Delivered, e.Err)
}

func (e *StreamInterruptedError) Unwrap() []error { return []error{ErrStreamInterrupted, e.Err} }

// ErrorCode is a machine-parseable error category for monitoring and RPC replies.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeProviderError         ErrorCode = "PROVIDER_ERROR"
	CodeConfigValidation      ErrorCode = "CONFIG_VALIDATION"
	CodeUnknownProvider       ErrorCode = "UNKNOWN_PROVIDER"
	CodeUnknownAssistant      ErrorCode = "UNKNOWN_ASSISTANT"
	CodeNoProviderConfigured  ErrorCode = "NO_PROVIDER_CONFIGURED"
	CodeProviderNotConfigured ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeConversationNotFound  ErrorCode = "CONVERSATION_NOT_FOUND"
	CodeTransport             ErrorCode = "TRANSPORT"
	CodeResponseFormat        ErrorCode = "RESPONSE_FORMAT"
	CodeStreamInterrupted     ErrorCode = "STREAM_INTERRUPTED"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodeStorage               ErrorCode = "STORAGE"
	CodeRateLimit             ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid           ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen           ErrorCode = "CIRCUIT_OPEN"
	CodeGatewayAuth           ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound     ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload     ErrorCode = "RPC_INVALID_PAYLOAD"
)

// codeOrder lists sentinels from most to least specific so that wrapped
// errors resolve deterministically.
var codeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrConversationNotFound, CodeConversationNotFound},
	{ErrConfigValidation, CodeConfigValidation},
	{ErrUnknownProvider, CodeUnknownProvider},
	{ErrUnknownAssistant, CodeUnknownAssistant},
	{ErrNoProviderConfigured, CodeNoProviderConfigured},
	{ErrProviderNotConfigured, CodeProviderNotConfigured},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrTransport, CodeTransport},
	{ErrResponseFormat, CodeResponseFormat},
	{ErrStreamInterrupted, CodeStreamInterrupted},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrStorage, CodeStorage},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for err.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	// Auth failures at the gateway are more specific than generic auth.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for _, c := range codeOrder {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
