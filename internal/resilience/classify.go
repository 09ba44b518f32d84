package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/parley/pkg/provider"
)

// Class groups errors by how the conversation should react to them.
type Class int

const (
	// ClassFatal errors are not expected to go away on retry (rejected or
	// missing credentials). A bad request is specific to its input and stays
	// transient.
	ClassFatal Class = iota

	// ClassTransient errors are worth retrying after a short delay.
	ClassTransient

	// ClassRateLimit errors signal throttling; retry after a longer delay.
	ClassRateLimit

	// ClassCanceled marks errors caused by the caller giving up. They are
	// not failures and set no error state.
	ClassCanceled
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassTransient:
		return "transient"
	case ClassRateLimit:
		return "rate_limit"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// rateLimitMarkers are matched case-insensitively against error text from
// backends that do not expose a status code.
var rateLimitMarkers = []string{"rate limit", "rate_limit", "quota", "429", "too many requests"}

// Classify maps err to a [Class]. A nil error is ClassTransient so callers
// that classify unconditionally never treat success as fatal.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}

	var se *provider.StatusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return ClassRateLimit
		}
	}
	return ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusTooManyRequests:
		return ClassRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassFatal
	default:
		return ClassTransient
	}
}
