package broker

import "fmt"

// Machine-readable failure codes surfaced across the supervisor/agent
// boundary. Callers decide session-level consequences from the code, never
// from the raw error text.
const (
	CodeLoginFailed      = "LOGIN_FAILED"
	CodeBadCredentials   = "BAD_CREDENTIALS"
	CodeRateLimit        = "RATE_LIMIT"
	CodeTimeout          = "TIMEOUT"
	CodeDisconnected     = "DISCONNECTED"
	CodeInstrumentClosed = "INSTRUMENT_CLOSED"
	CodeMarketClosed     = "MARKET_CLOSED"
	CodeOrderRejected    = "ORDER_REJECTED"
	CodeCommandError     = "COMMAND_ERROR"
	CodeAgentUnavailable = "AGENT_UNAVAILABLE"
)

// Error carries a classified failure across process boundaries.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfterSeconds is the broker-specified cooldown for RATE_LIMIT
	// failures. Zero when the broker did not specify one.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsTerminal reports whether a failure code must halt the session. Terminal
// failures cannot be fixed by retrying; everything else is retried with
// backoff by the caller.
func IsTerminal(code string) bool {
	switch code {
	case CodeLoginFailed, CodeBadCredentials:
		return true
	default:
		return false
	}
}

// IsTransient reports whether a failure is expected to clear on its own.
func IsTransient(code string) bool {
	switch code {
	case CodeRateLimit, CodeTimeout, CodeDisconnected, CodeAgentUnavailable:
		return true
	default:
		return false
	}
}
