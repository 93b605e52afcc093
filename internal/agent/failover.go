package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ibbo/rowan/internal/llm"
	"github.com/ibbo/rowan/internal/logging"
)

// FailoverClient wraps an LLM registry to try fallback models on failure.
// It implements llm.Client, so the gate and planner use it like any
// provider.
type FailoverClient struct {
	registry  *llm.Registry
	primary   string
	fallbacks []string
	log       *logging.Logger

	// CallTimeout bounds each attempt when positive.
	CallTimeout time.Duration
}

// NewFailoverClient creates a client that tries the primary model first,
// then falls back through the list on retryable errors.
func NewFailoverClient(registry *llm.Registry, primary string, fallbacks []string, log *logging.Logger) *FailoverClient {
	return &FailoverClient{
		registry:  registry,
		primary:   primary,
		fallbacks: fallbacks,
		log:       log.Sub("failover"),
	}
}

// Name returns the primary model reference.
func (f *FailoverClient) Name() string { return f.primary }

// Complete tries the primary model, falling back on retryable errors.
func (f *FailoverClient) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	models := append([]string{f.primary}, f.fallbacks...)

	var lastErr error
	for _, ref := range models {
		client, model, err := f.registry.Resolve(ref)
		if err != nil {
			f.log.Debug().Str("model", ref).Err(err).Msg("no provider for model, skipping")
			lastErr = err
			continue
		}

		req.Model = model
		resp, err := f.attempt(ctx, client, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if isRetryable(err) {
			f.log.Warn().
				Str("model", ref).
				Err(err).
				Msg("retryable error, trying next provider")
			continue
		}

		// Non-retryable error, don't try more providers
		return nil, err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured")
	}
	return nil, lastErr
}

func (f *FailoverClient) attempt(ctx context.Context, c llm.Client, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if f.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.CallTimeout)
		defer cancel()
	}
	return c.Complete(ctx, req)
}

// isRetryable checks if the error suggests trying again, on this provider
// or the next one.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
