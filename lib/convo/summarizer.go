// Copyright 2026 The Lore Authors
// SPDX-License-Identifier: Apache-2.0

package convo

import (
	"context"
	"fmt"
	"strings"

	"github.com/loreworks/lore/lib/llm"
	llmcontext "github.com/loreworks/lore/lib/llm/context"
)

const summarySystem = `You compress conversation history. Write a dense summary of the ` +
	`conversation below in under 200 words: preserve facts, decisions, names, numbers, ` +
	`and open questions; drop pleasantries. When an existing summary is provided, fold ` +
	`the new messages into it. Output only the summary text.`

// providerSummarizer implements the planner's Summarizer on the
// turn's own provider and model, using the blocking Complete call
// since summarization has no streaming consumer.
type providerSummarizer struct {
	provider llm.Provider
	modelID  string
}

func (summarizer providerSummarizer) Summarize(ctx context.Context, previous string, messages []llmcontext.HistoryMessage, maxTokens int) (string, error) {
	var builder strings.Builder
	if previous != "" {
		builder.WriteString("Existing summary:\n")
		builder.WriteString(previous)
		builder.WriteString("\n\n")
	}
	builder.WriteString("Messages to fold in:\n")
	for _, message := range messages {
		fmt.Fprintf(&builder, "%s: %s\n", message.Role, message.Text)
	}

	response, err := summarizer.provider.Complete(ctx, llm.Request{
		Model:     summarizer.modelID,
		System:    summarySystem,
		MaxTokens: maxTokens,
		Messages:  []llm.Message{llm.UserMessage(builder.String())},
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(response.Text)
	if text == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return text, nil
}
