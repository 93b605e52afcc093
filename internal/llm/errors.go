package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	ollama "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind separates transport failures from unusable replies.
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindTimeout   ErrorKind = "timeout"
	KindAPI       ErrorKind = "api"
	KindMalformed ErrorKind = "malformed"
)

// ProviderError is returned when an LLM provider fails.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Code     int // HTTP status when the provider answered with one
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %s: %d %s", e.Provider, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed if sent again.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindMalformed:
		return true
	case KindAPI:
		switch e.Code {
		case 408, 409, 429, 500, 502, 503, 504, 529:
			return true
		}
		lower := strings.ToLower(e.Message)
		for _, s := range []string{"overloaded", "rate limit", "capacity"} {
			if strings.Contains(lower, s) {
				return true
			}
		}
	}
	return false
}

// Malformed builds the error for a reply that could not be interpreted.
func Malformed(provider, format string, args ...any) *ProviderError {
	return &ProviderError{Provider: provider, Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}

// classify wraps a raw client error in a ProviderError.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := &ProviderError{Provider: provider, Kind: KindNetwork, Message: err.Error(), Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var statusErr ollama.StatusError
	var anthropicErr *anthropic.Error
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
	case errors.As(err, &apiErr):
		out.Kind = KindAPI
		out.Code = apiErr.HTTPStatusCode
		out.Message = apiErr.Message
	case errors.As(err, &reqErr):
		out.Kind = KindAPI
		out.Code = reqErr.HTTPStatusCode
	case errors.As(err, &anthropicErr):
		out.Kind = KindAPI
		out.Code = anthropicErr.StatusCode
	case errors.As(err, &statusErr):
		out.Kind = KindAPI
		out.Code = statusErr.StatusCode
		if statusErr.ErrorMessage != "" {
			out.Message = statusErr.ErrorMessage
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		out.Kind = KindTimeout
	}
	return out
}
