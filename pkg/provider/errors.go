// Package provider holds definitions shared by every provider kind.
package provider

import (
	"fmt"
	"io"
	"net/http"
)

// StatusError reports a non-success HTTP status from a provider API. Callers
// inspect Code with errors.As to tell rate limits from hard failures.
type StatusError struct {
	// Provider names the backend, e.g. "deepgram".
	Provider string

	// Code is the HTTP status code.
	Code int

	// Body holds the start of the response body for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: HTTP %d %s", e.Provider, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s: HTTP %d %s: %s", e.Provider, e.Code, http.StatusText(e.Code), e.Body)
}

// RateLimited reports whether the status signals throttling.
func (e *StatusError) RateLimited() bool {
	return e.Code == http.StatusTooManyRequests
}

// maxBody bounds the body excerpt kept in a StatusError.
const maxBody = 512

// NewStatusError builds a StatusError, truncating body.
func NewStatusError(provider string, code int, body []byte) *StatusError {
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &StatusError{Provider: provider, Code: code, Body: string(body)}
}

// HandshakeError turns a failed WebSocket dial into a StatusError when the
// server answered the upgrade with a plain HTTP status. Other errors are
// returned unchanged.
func HandshakeError(provider string, resp *http.Response, err error) error {
	if resp == nil || resp.StatusCode == http.StatusSwitchingProtocols {
		return err
	}
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxBody))
	}
	return NewStatusError(provider, resp.StatusCode, body)
}
