package provider

import "fmt"

// Kind classifies a provider error for recovery-policy decisions. This
// mirrors the taxonomy a market-data provider needs to distinguish:
// connection trouble is retried with backoff, configuration mistakes
// are fatal, and rate limits carry their own retry delay.
type Kind int

const (
	KindUnknown Kind = iota
	KindInitialization
	KindConnection
	KindConfiguration
	KindDataParsing
	KindFileSystem
	KindTimeout
	KindState
	KindResource
	KindValidation
	KindAuthentication
	KindRateLimit
	KindProtocol
	KindInternal
	KindBusiness
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "InitializationError"
	case KindConnection:
		return "ConnectionError"
	case KindConfiguration:
		return "ConfigurationError"
	case KindDataParsing:
		return "DataParsingError"
	case KindFileSystem:
		return "FileSystemError"
	case KindTimeout:
		return "TimeoutError"
	case KindState:
		return "StateError"
	case KindResource:
		return "ResourceError"
	case KindValidation:
		return "ValidationError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindRateLimit:
		return "RateLimitError"
	case KindProtocol:
		return "ProtocolError"
	case KindInternal:
		return "InternalError"
	case KindBusiness:
		return "BusinessError"
	default:
		return "UnknownError"
	}
}

// Error is the provider package's unified error type. Every error a
// Provider or the ProviderManager returns should be an *Error so
// callers can inspect Kind and decide whether to retry.
type Error struct {
	Kind          Kind
	Message       string
	Endpoint      string
	IsRecoverable bool
	RetryAfterMs  int64
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether the caller should attempt to retry or
// reconnect instead of treating this as fatal.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindConfiguration, KindAuthentication, KindValidation, KindInternal:
		return false
	case KindConnection:
		return e.IsRecoverable
	default:
		return true
	}
}

// ShouldRetry reports whether retrying the same operation could
// plausibly succeed.
func (e *Error) ShouldRetry() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindFileSystem, KindRateLimit:
		return true
	default:
		return false
	}
}

func NewConnectionError(message, endpoint string, recoverable bool, err error) *Error {
	return &Error{Kind: KindConnection, Message: message, Endpoint: endpoint, IsRecoverable: recoverable, Err: err}
}

func NewConfigurationError(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

func NewDataParsingError(message string, err error) *Error {
	return &Error{Kind: KindDataParsing, Message: message, Err: err}
}

func NewFileSystemError(message string, err error) *Error {
	return &Error{Kind: KindFileSystem, Message: message, Err: err}
}

func NewTimeoutError(message string) *Error {
	return &Error{Kind: KindTimeout, Message: message}
}

func NewStateError(message string) *Error {
	return &Error{Kind: KindState, Message: message}
}

func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func NewRateLimitError(message string, retryAfterMs int64) *Error {
	return &Error{Kind: KindRateLimit, Message: message, RetryAfterMs: retryAfterMs}
}

func NewProtocolError(message string, recoverable bool, err error) *Error {
	return &Error{Kind: KindProtocol, Message: message, IsRecoverable: recoverable, Err: err}
}

func NewInternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}
