// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for a local Ollama backend.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/valorassist/valor-core/internal/provider"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the Ollama client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

// Sentinel errors for easy checking.
var (
	ErrNotRunning    = &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running"}
	ErrTimeout       = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
)

// =============================================================================
// CLIENT
// =============================================================================

const (
	// Explicit IPv4 address instead of localhost to avoid IPv6 resolution
	// issues on Windows.
	defaultBaseURL = "http://127.0.0.1:11434"

	defaultGenerateModel  = "llama3.1:8b"
	defaultEmbeddingModel = "nomic-embed-text"
	defaultTimeout        = 120 * time.Second
)

// Client handles communication with the Ollama API.
// Safe for concurrent use.
type Client struct {
	baseURL        string
	generateModel  string
	embeddingModel string
	httpClient     *http.Client
}

// New creates an Ollama client, filling defaults for zero-valued settings.
func New(s provider.Settings) (*Client, error) {
	if s.BaseURL == "" {
		s.BaseURL = defaultBaseURL
	}
	if s.GenerateModel == "" {
		s.GenerateModel = defaultGenerateModel
	}
	if s.EmbeddingModel == "" {
		s.EmbeddingModel = defaultEmbeddingModel
	}
	return &Client{
		baseURL:        s.BaseURL,
		generateModel:  s.GenerateModel,
		embeddingModel: s.EmbeddingModel,
		httpClient:     &http.Client{Timeout: defaultTimeout},
	}, nil
}

func init() {
	provider.Register("ollama", func(s provider.Settings) (provider.Provider, error) {
		return New(s)
	})
}

// Name identifies the backend.
func (c *Client) Name() string { return "ollama" }

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return ErrNotRunning
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{
			Type:    ErrTypeConnection,
			Message: "unexpected status from Ollama: " + resp.Status,
		}
	}
	return nil
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embeddingResponse
	if err := c.post(ctx, "/api/embeddings", embeddingRequest{
		Model:  c.embeddingModel,
		Prompt: text,
	}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "empty embedding returned"}
	}
	return result.Embedding, nil
}

// =============================================================================
// CHAT
// =============================================================================

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

type chatResponse struct {
	Message provider.Message `json:"message"`
	Done    bool             `json:"done"`
}

// Generate sends a non-streaming chat request and returns the reply text.
func (c *Client) Generate(ctx context.Context, messages []provider.Message) (string, error) {
	var result chatResponse
	if err := c.post(ctx, "/api/chat", chatRequest{
		Model:    c.generateModel,
		Messages: messages,
		Stream:   false,
	}, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return &ClientError{Type: ErrTypeNotRunning, Message: "Ollama is not running", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrModelNotFound
	case resp.StatusCode != http.StatusOK:
		return &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: fmt.Sprintf("unexpected status from %s: %s", path, resp.Status),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return nil
}
