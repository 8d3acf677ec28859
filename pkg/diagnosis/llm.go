// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package diagnosis implements the AI diagnosis orchestrator (spec §4.11):
// it assembles a RAG-style prompt from an error aggregation, its source
// snippet, and its source-map mapping, sends it to a pluggable LLM
// backend, and folds the result back into the aggregation's diagnosis
// history.
package diagnosis

import "context"

// Backend names accepted by ClientFor / config.Config.LLMBackendType.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendLocal     = "local"
	BackendOllama    = "ollama"
)

// Message is one turn of a conversation handed to an LLMClient.
type Message struct {
	Role    string
	Content string
}

// GenerationParams tunes a single LLMClient.Chat call. Zero values mean
// "use the backend's default".
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
}

// LLMClient is the port every diagnosis backend implements. Unlike the
// streaming-capable interface this was generalized from, the diagnosis
// orchestrator only ever needs one blocking round trip per error, so
// ChatStream was dropped rather than carried as dead surface.
type LLMClient interface {
	// Chat sends messages to the model and returns its complete response.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)
}
