// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads process configuration from environment variables
// (spec §6 "Environment variables"). There is no config file layer: every
// deployment target (local podman-compose, CI, production) sets the same
// env vars, matching how the rest of the stack is wired.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully resolved process configuration. Load never returns a
// partially valid Config — validation errors abort startup.
type Config struct {
	MySQLDSN string

	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SourcemapStoragePath string
	SourcemapStorageTTL  time.Duration

	SourceArchiveStoragePath string

	AIDiagnosisEnabled bool
	LLMBackendType     string
	AnthropicAPIKey    string
	AnthropicModel     string
	OpenAIAPIKey       string
	OpenAIModel        string
	OllamaBaseURL      string
	OllamaModel        string

	BearerToken string

	HTTPPort string

	QueueConcurrency map[string]int
}

// Load resolves Config from the environment, applying the defaults spec §4
// and §6 name explicitly (TTL default 2592000s = 30 days, etc).
func Load() (*Config, error) {
	cfg := &Config{
		MySQLDSN: envOr("MYSQL_DSN", "monitor:monitor@tcp(127.0.0.1:3306)/monitor?parseTime=true&multiStatements=true"),

		ClickHouseAddr:     envOr("CLICKHOUSE_ADDR", "127.0.0.1:9000"),
		ClickHouseDatabase: envOr("CLICKHOUSE_DATABASE", "monitor"),
		ClickHouseUsername: envOr("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: envOr("CLICKHOUSE_PASSWORD", ""),

		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envOr("REDIS_PASSWORD", ""),

		SourcemapStoragePath:     envOr("SOURCEMAP_STORAGE_PATH", "/var/lib/monitor/sourcemaps"),
		SourceArchiveStoragePath: envOr("SOURCE_ARCHIVE_STORAGE_PATH", "/var/lib/monitor/source-code"),

		AIDiagnosisEnabled: envBool("AI_DIAGNOSIS_ENABLED", true),
		LLMBackendType:     envOr("LLM_BACKEND_TYPE", "anthropic"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:     envOr("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        envOr("OPENAI_MODEL", "gpt-4o-mini"),
		OllamaBaseURL:      envOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		OllamaModel:        envOr("OLLAMA_MODEL", "llama3.1"),

		BearerToken: os.Getenv("ADMIN_BEARER_TOKEN"),

		HTTPPort: envOr("HTTP_PORT", "8080"),
	}

	ttlSeconds, err := envInt("SOURCEMAP_STORAGE_TTL", 2592000)
	if err != nil {
		return nil, err
	}
	cfg.SourcemapStorageTTL = time.Duration(ttlSeconds) * time.Second

	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = redisDB

	cfg.QueueConcurrency = map[string]int{
		"error-processing":     envIntOr("QUEUE_CONCURRENCY_ERROR_PROCESSING", 4),
		"ai-diagnosis":          envIntOr("QUEUE_CONCURRENCY_AI_DIAGNOSIS", 2),
		"email-notification":    envIntOr("QUEUE_CONCURRENCY_EMAIL_NOTIFICATION", 2),
		"sourcemap-processing":  envIntOr("QUEUE_CONCURRENCY_SOURCEMAP_PROCESSING", 4),
		"error-aggregation":     envIntOr("QUEUE_CONCURRENCY_ERROR_AGGREGATION", 2),
	}

	if cfg.AIDiagnosisEnabled && cfg.LLMBackendType == "anthropic" && cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("config: ANTHROPIC_API_KEY is required when LLM_BACKEND_TYPE=anthropic and AI_DIAGNOSIS_ENABLED=true")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func envIntOr(key string, def int) int {
	n, err := envInt(key, def)
	if err != nil {
		return def
	}
	return n
}
