// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter provides a hosted OpenAI-compatible backend via
// OpenRouter. Used for deployments without local GPU capacity; the ollama
// backend is preferred where data residency rules forbid sending content to
// hosted models.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valorassist/valor-core/internal/provider"
)

const (
	defaultBaseURL        = "https://openrouter.ai/api/v1"
	defaultGenerateModel  = "meta-llama/llama-3.1-8b-instruct"
	defaultEmbeddingModel = "openai/text-embedding-3-small"
	defaultTimeout        = 90 * time.Second
)

// Client talks to the OpenRouter chat-completions and embeddings APIs.
// Safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	generateModel  string
	embeddingModel string
	httpClient     *http.Client
}

// New creates an OpenRouter client. An API key is required.
func New(s provider.Settings) (*Client, error) {
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, errors.New("openrouter: api key is required")
	}
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
		baseURL:        strings.TrimRight(s.BaseURL, "/"),
		apiKey:         s.APIKey,
		generateModel:  s.GenerateModel,
		embeddingModel: s.EmbeddingModel,
		httpClient:     &http.Client{Timeout: defaultTimeout},
	}, nil
}

func init() {
	provider.Register("openrouter", func(s provider.Settings) (provider.Provider, error) {
		return New(s)
	})
}

// Name identifies the backend.
func (c *Client) Name() string { return "openrouter" }

// =============================================================================
// CHAT
// =============================================================================

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []provider.Message `json:"messages"`
	Stream   bool               `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message provider.Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate returns the assistant reply for messages.
func (c *Client) Generate(ctx context.Context, messages []provider.Message) (string, error) {
	var decoded chatResponse
	if err := c.post(ctx, "/chat/completions", chatRequest{
		Model:    c.generateModel,
		Messages: messages,
		Stream:   false,
	}, &decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", fmt.Errorf("openrouter: %s", decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openrouter: empty response")
	}
	return decoded.Choices[0].Message.Content, nil
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var decoded embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{
		Model: c.embeddingModel,
		Input: []string{text},
	}, &decoded); err != nil {
		return nil, err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, fmt.Errorf("openrouter: %s", decoded.Error.Message)
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, errors.New("openrouter: empty embedding response")
	}
	return decoded.Data[0].Embedding, nil
}

// =============================================================================
// HTTP PLUMBING
// =============================================================================

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	b, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Title", "valor-core")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("openrouter: %s", msg)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
