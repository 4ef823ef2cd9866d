package stream

import (
	"fmt"
	"strings"
)

// Kind classifies a stream error per the handling policy it triggers:
// transport errors reconnect and replay, protocol errors surface to the
// awaiting caller, authentication errors additionally evict cached auth
// state, and application errors never reach the wire.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindProtocol       Kind = "protocol"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindBadRequest     Kind = "bad_request"
)

// Error is the error type surfaced through rejected completions.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("stream: %s error (code %s): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("stream: %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors of the same kind, so callers can test against the
// exported sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrWatchTimeout     = &Error{Kind: KindTimeout, Message: "timed out awaiting resolution"}
	ErrNotAuthenticated = &Error{Kind: KindAuthentication, Message: "authentication required before private subscriptions"}
	ErrTooManySymbols   = &Error{Kind: KindBadRequest, Message: "too many symbols in one subscribe request"}
)

func transportError(err error) *Error {
	return &Error{Kind: KindTransport, Cause: err}
}

// protocolRule maps a server-reported error to a kind, either by exact code
// or by substring match on the message. Rules are evaluated in order.
type protocolRule struct {
	code    string
	pattern string
	kind    Kind
}

var protocolRules = []protocolRule{
	{code: "60009", kind: KindAuthentication},
	{code: "60012", kind: KindAuthentication},
	{pattern: "invalid sign", kind: KindAuthentication},
	{pattern: "signature", kind: KindAuthentication},
	{pattern: "login failed", kind: KindAuthentication},
	{pattern: "api key", kind: KindAuthentication},
	{pattern: "rate limit", kind: KindRateLimit},
	{pattern: "too many requests", kind: KindRateLimit},
	{pattern: "invalid channel", kind: KindBadRequest},
	{pattern: "unknown channel", kind: KindBadRequest},
	{pattern: "invalid symbol", kind: KindBadRequest},
}

// classifyProtocolError maps a server error frame to an Error using the rule
// table; unmatched errors default to the generic protocol kind.
func classifyProtocolError(code, message string) *Error {
	lower := strings.ToLower(message)
	for _, rule := range protocolRules {
		if rule.code != "" && rule.code == code {
			return &Error{Kind: rule.kind, Code: code, Message: message}
		}
		if rule.pattern != "" && strings.Contains(lower, rule.pattern) {
			return &Error{Kind: rule.kind, Code: code, Message: message}
		}
	}
	return &Error{Kind: KindProtocol, Code: code, Message: message}
}
