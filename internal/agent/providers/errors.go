// Package providers implements the model backends behind the agent.Provider
// interface: Anthropic Claude and OpenAI chat completions, both streamed.
package providers

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderError wraps a model API failure with provider and model context.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%s): status %d: %s", e.Provider, e.Model, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.Provider, e.Model, msg)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

func newProviderError(provider, model string, cause error) *ProviderError {
	var pe *ProviderError
	if errors.As(cause, &pe) {
		return pe
	}
	return &ProviderError{Provider: provider, Model: model, Cause: cause}
}

// isRetryable reports whether an API error is worth retrying: rate limits,
// server errors, timeouts, and connection failures.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.StatusCode > 0 {
		return pe.StatusCode == 429 || pe.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
