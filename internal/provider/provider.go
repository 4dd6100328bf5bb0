// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the model-provider abstraction and its registry.
//
// Providers supply two capabilities: embedding text into vectors and
// generating chat completions. Concrete implementations live in subpackages
// (ollama, openrouter); the registry lets configuration select one by name
// without the wiring code importing every backend.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// TYPES
// =============================================================================

// Message is one chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Embedder converts text into a vector embedding.
type Embedder interface {
	// Embed returns the embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator produces a chat completion.
type Generator interface {
	// Generate returns the assistant reply for the given messages.
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Provider bundles both capabilities behind one backend.
type Provider interface {
	Embedder
	Generator
	// Name identifies the backend in logs and health output.
	Name() string
}

// =============================================================================
// REGISTRY
// =============================================================================

// Settings carries backend-agnostic connection settings to factories.
type Settings struct {
	BaseURL        string
	APIKey         string
	GenerateModel  string
	EmbeddingModel string
}

// Factory builds a provider from settings.
type Factory func(s Settings) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a provider constructor available under name.
// Called from provider subpackage init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named provider.
func New(name string, s Settings) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, Names())
	}
	return factory(s)
}

// Names returns the registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
