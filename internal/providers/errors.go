package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/target/research-fanout/internal/domain/model"
)

// Error is a classified provider failure.
type Error struct {
	Provider   model.ProviderID
	Kind       model.ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorClass tags metrics with the kind.
func (e *Error) ErrorClass() string { return string(e.Kind) }

// maxMessageLen bounds error text stored on results.
const maxMessageLen = 500

// NewStatusError classifies a non-2xx HTTP response.
func NewStatusError(provider model.ProviderID, status int, body string) *Error {
	msg := truncate(strings.TrimSpace(body), maxMessageLen)
	kind := kindFromStatus(status)
	if kind == "" {
		kind = kindFromMessage(msg)
	}
	return &Error{Provider: provider, Kind: kind, StatusCode: status, Message: msg}
}

// Classify converts any error from a provider call into an *Error. Already classified
// errors pass through.
func Classify(provider model.ProviderID, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	out := &Error{Provider: provider, Kind: model.ErrorKindProvider, Message: truncate(err.Error(), maxMessageLen), Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = model.ErrorKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = model.ErrorKindTimeout
	default:
		if k := kindFromMessage(err.Error()); k != model.ErrorKindProvider {
			out.Kind = k
		}
	}
	return out
}

// KindOf returns the kind of a classified error, or provider_error.
func KindOf(err error) model.ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return model.ErrorKindProvider
}

// statusOverloaded is Anthropic's non-standard overload status.
const statusOverloaded = 529

func kindFromStatus(status int) model.ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrorKindInvalidKey
	case http.StatusTooManyRequests:
		return model.ErrorKindRateLimited
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return model.ErrorKindTimeout
	case statusOverloaded, http.StatusServiceUnavailable:
		return model.ErrorKindOverloaded
	case http.StatusRequestEntityTooLarge:
		return model.ErrorKindContextTooLong
	}
	return ""
}

var messageKinds = []struct {
	needle string
	kind   model.ErrorKind
}{
	{"context length", model.ErrorKindContextTooLong},
	{"maximum context", model.ErrorKindContextTooLong},
	{"too long", model.ErrorKindContextTooLong},
	{"rate limit", model.ErrorKindRateLimited},
	{"quota", model.ErrorKindRateLimited},
	{"overloaded", model.ErrorKindOverloaded},
	{"api key", model.ErrorKindInvalidKey},
	{"deadline exceeded", model.ErrorKindTimeout},
}

func kindFromMessage(msg string) model.ErrorKind {
	lower := strings.ToLower(msg)
	for _, m := range messageKinds {
		if strings.Contains(lower, m.needle) {
			return m.kind
		}
	}
	return model.ErrorKindProvider
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "…"
}
