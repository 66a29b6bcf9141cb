// Package model provides the inference clients the phase loop calls once
// per iteration. Timeouts and transport faults are distinguished so the
// loop can record the right termination reason.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signalzero/internal/config"
)

// Client defines the interface for inference providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Name() string
}

// Sentinel errors the loop branches on when a model call fails.
var (
	// ErrTimeout marks a call that exceeded its deadline.
	ErrTimeout = errors.New("model call timed out")

	// ErrTransport marks a connection or protocol level failure.
	ErrTransport = errors.New("model transport failure")
)

// NewClient builds the configured inference client.
func NewClient(cfg config.ModelConfig, timeout time.Duration) (Client, error) {
	switch cfg.Provider {
	case "local":
		return NewOllamaClient(OllamaConfig{
			GenerateURL: cfg.APIURL,
			Model:       cfg.ModelName,
			Timeout:     timeout,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return NewOpenAIClient(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.ModelName,
			Timeout:     timeout,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider: %s", cfg.Provider)
	}
}

// classify maps a transport error to the sentinel the loop expects.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
