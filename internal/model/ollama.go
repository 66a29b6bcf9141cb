package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"signalzero/internal/logging"
)

const defaultGenerateURL = "http://localhost:11434/api/generate"

// OllamaConfig holds configuration for the local provider.
type OllamaConfig struct {
	GenerateURL string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

// OllamaClient implements Client against a local Ollama generate endpoint.
type OllamaClient struct {
	generateURL string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
}

// NewOllamaClient creates a client for the local provider.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.GenerateURL == "" {
		cfg.GenerateURL = defaultGenerateURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &OllamaClient{
		generateURL: cfg.GenerateURL,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Complete sends the prompt to the generate endpoint and returns the reply.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryModel, "OllamaClient.Complete")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	options := map[string]any{}
	if c.maxTokens > 0 {
		options["num_predict"] = c.maxTokens
	}
	if c.temperature > 0 {
		options["temperature"] = c.temperature
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	logging.ModelDebug("Sending %d char prompt to %s (model=%s)", len(prompt), c.generateURL, c.model)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classify(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: generate endpoint returned %d: %s",
			ErrTransport, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var generated ollamaGenerateResponse
	if err := json.Unmarshal(data, &generated); err != nil {
		return "", fmt.Errorf("%w: undecodable generate response: %v", ErrTransport, err)
	}
	if generated.Error != "" {
		return "", fmt.Errorf("%w: %s", ErrTransport, generated.Error)
	}

	logging.ModelDebug("Received %d char reply", len(generated.Response))
	return generated.Response, nil
}

// Name identifies the client in logs.
func (c *OllamaClient) Name() string {
	return "local:" + c.model
}
