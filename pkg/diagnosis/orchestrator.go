// Copyright (C) 2026 monitor-sub002 contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package diagnosis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lqt0707/monitor-sub002/internal/apperrors"
	"github.com/lqt0707/monitor-sub002/internal/models"
)

// LockTimeout bounds how long AnalyzeError waits to acquire the
// per-aggregation advisory lock before giving up (spec §4.11).
const LockTimeout = 30 * time.Second

// Repository is the metadata persistence port the orchestrator depends on.
type Repository interface {
	GetAggregation(ctx context.Context, id int64) (models.ErrorAggregation, error)

	// UpdateDiagnosis persists the aggregation's new diagnosis/fix/history
	// and mirrors the analysis onto every ErrorLog sharing its errorHash,
	// as one transaction (spec §4.11.5, §4.11.6).
	UpdateDiagnosis(ctx context.Context, aggregationID int64, analysis, fixSuggestion string, history []models.DiagnosisHistoryEntry, report []byte) error

	// Lock acquires an advisory lock scoped to aggregationID, returning a
	// release function. It must time out rather than block forever.
	Lock(ctx context.Context, aggregationID int64, timeout time.Duration) (release func(), err error)
}

// SourceLocation is the narrow slice of archive.LocationResult the
// orchestrator needs, kept local to avoid importing pkg/archive.
type SourceLocation struct {
	Lines      []string
	StartLine  int
	EndLine    int
	TargetLine int
}

// SourceProvider resolves a source snippet for an aggregation's crash site.
type SourceProvider interface {
	GetByLocation(ctx context.Context, projectID, version, filePath string, lineNumber *int, contextLines int) (SourceLocation, error)
}

// ClientFor resolves an LLMClient by backend name, matching
// config.Config.LLMBackendType (spec §4.11, §6 AI_DIAGNOSIS_ENABLED).
func ClientFor(backend, anthropicKey, anthropicModel, openaiKey, openaiModel, ollamaBaseURL, ollamaModel string) (LLMClient, error) {
	switch backend {
	case BackendAnthropic:
		return NewAnthropicClient(anthropicKey, anthropicModel)
	case BackendOpenAI:
		return NewOpenAIClient(openaiKey, openaiModel)
	case BackendOllama, BackendLocal:
		return NewOllamaClient(ollamaBaseURL, ollamaModel), nil
	default:
		return nil, fmt.Errorf("diagnosis: unknown LLM backend %q", backend)
	}
}

// Orchestrator implements the AI diagnosis operation (spec §4.11): given
// an aggregation, it assembles a prompt from the error plus its source
// context, asks the configured LLMClient, and folds the result back in.
type Orchestrator struct {
	Repo   Repository
	Source SourceProvider
	LLM    LLMClient

	// ContextLines is how many lines of source context surround the crash
	// site in the assembled prompt (spec §4.11 default is the resolver's
	// DefaultContextLines, but diagnosis takes its own knob since it reads
	// from the archive store rather than a freshly resolved frame).
	ContextLines int
}

// New builds an Orchestrator. contextLines <= 0 defaults to 5.
func New(repo Repository, source SourceProvider, llm LLMClient, contextLines int) *Orchestrator {
	if contextLines <= 0 {
		contextLines = 5
	}
	return &Orchestrator{Repo: repo, Source: source, LLM: llm, ContextLines: contextLines}
}

// AnalyzeError runs the full diagnosis pipeline for aggregationID: lock,
// assemble prompt, call the LLM, push diagnosis history, persist. If the
// aggregation already has an aiDiagnosis and force is false, it skips the
// LLM call and leaves the aggregation untouched (spec §4.11 step 1: "if
// already has aiDiagnosis and not forced, skip").
func (o *Orchestrator) AnalyzeError(ctx context.Context, aggregationID int64, projectVersion string, force bool) error {
	lockCtx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	release, err := o.Repo.Lock(lockCtx, aggregationID, LockTimeout)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "could not acquire diagnosis lock", err)
	}
	defer release()

	agg, err := o.Repo.GetAggregation(ctx, aggregationID)
	if err != nil {
		return err
	}

	if !force && agg.AiDiagnosis != nil && *agg.AiDiagnosis != "" {
		return nil
	}

	prompt := o.buildPrompt(ctx, agg, projectVersion)

	response, err := o.LLM.Chat(ctx, prompt, GenerationParams{})
	if err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "LLM diagnosis request failed", err)
	}

	analysis, fixSuggestion := splitAnalysis(response)

	agg.PushDiagnosisHistory(time.Now().UTC())

	report := buildReport(agg, analysis, fixSuggestion)
	if err := o.Repo.UpdateDiagnosis(ctx, aggregationID, analysis, fixSuggestion, agg.AiDiagnosisHistory, report); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "could not persist diagnosis", err)
	}
	return nil
}

func (o *Orchestrator) buildPrompt(ctx context.Context, agg models.ErrorAggregation, projectVersion string) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Error type: %s\n", agg.Type)
	fmt.Fprintf(&b, "Message: %s\n", agg.ErrorMessage)
	if agg.ErrorStack != nil {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", *agg.ErrorStack)
	}
	fmt.Fprintf(&b, "Occurrences: %d (affected users: %d)\n", agg.OccurrenceCount, agg.AffectedUsers)

	if o.Source != nil && agg.SourceFile != nil {
		loc, err := o.Source.GetByLocation(ctx, agg.ProjectID, projectVersion, *agg.SourceFile, agg.SourceLine, o.ContextLines)
		if err == nil && len(loc.Lines) > 0 {
			fmt.Fprintf(&b, "\nSource context (%s, lines %d-%d, crash at line %d):\n", *agg.SourceFile, loc.StartLine, loc.EndLine, loc.TargetLine)
			for i, line := range loc.Lines {
				fmt.Fprintf(&b, "%d: %s\n", loc.StartLine+i, line)
			}
		}
	}

	system := Message{Role: "system", Content: "You are a senior engineer diagnosing a production frontend error. " +
		"Respond with a root-cause analysis followed by a line starting with 'Fix:' giving a concrete, minimal fix suggestion."}
	user := Message{Role: "user", Content: b.String()}
	return []Message{system, user}
}

func splitAnalysis(response string) (analysis, fixSuggestion string) {
	idx := strings.Index(response, "\nFix:")
	if idx < 0 {
		return strings.TrimSpace(response), ""
	}
	return strings.TrimSpace(response[:idx]), strings.TrimSpace(strings.TrimPrefix(response[idx+1:], "Fix:"))
}

func buildReport(agg models.ErrorAggregation, analysis, fixSuggestion string) []byte {
	escaped := strings.NewReplacer(`"`, `\"`, "\n", `\n`)
	return []byte(fmt.Sprintf(
		`{"errorHash":"%s","analysis":"%s","fixSuggestion":"%s","occurrenceCount":%d,"generatedAt":"%s"}`,
		agg.ErrorHash, escaped.Replace(analysis), escaped.Replace(fixSuggestion), agg.OccurrenceCount, time.Now().UTC().Format(time.RFC3339)))
}
