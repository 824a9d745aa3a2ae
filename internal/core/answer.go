package core

import (
	"context"
	"fmt"
	"strings"

	"lawbase.hk/legal-assistant/internal/store"
)

const synthesisInstruction = "你是一個香港法律知識助理。請只根據提供的法律條文資料回答問題," +
	"並引用相關的法規編號與條文。如果資料不足以回答問題,請明確說明。不要編造任何內容。"

// Synthesizer produces a single grounded answer from retrieved chunks.
// Stateless and single-turn; conversation memory belongs to the consultant.
type Synthesizer struct {
	llm   LLM
	model string
}

func NewSynthesizer(llm LLM, model string) *Synthesizer {
	return &Synthesizer{llm: llm, model: model}
}

func (s *Synthesizer) Synthesize(ctx context.Context, question string, chunks []store.ScoredChunk, tally *TokenTally) (string, error) {
	prompt := buildGroundingPrompt(question, chunks)

	resp, err := s.llm.Complete(ctx, CompletionRequest{
		Model:             s.model,
		SystemInstruction: synthesisInstruction,
		History:           []Turn{{Role: TurnRoleUser, Text: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("synthesis call failed: %w", err)
	}

	if resp.ReportedTokens > 0 {
		tally.AddReported(resp.ReportedTokens)
	} else {
		tally.AddEstimated(EstimateTextTokens(prompt + resp.Text))
	}

	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return "", ErrSynthesis
	}
	return answer, nil
}

func buildGroundingPrompt(question string, chunks []store.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("以下是與問題相關的法律條文資料:\n\n")
	b.WriteString(FormatChunkBlocks(chunks))
	b.WriteString("\n請根據以上資料回答問題:")
	b.WriteString(question)
	return b.String()
}

// FormatChunkBlocks renders chunks as labeled, delimited context blocks.
// The same rendering feeds the synthesis prompt and the consultant's tool
// results.
func FormatChunkBlocks(chunks []store.ScoredChunk) string {
	var b strings.Builder
	for i, sc := range chunks {
		fmt.Fprintf(&b, "【資料 %d】法規:%s|標題:%s|行數:%s|相關度:%.0f%%\n%s\n---\n",
			i+1, sc.Chunk.LawID, sc.Chunk.Title, sc.Chunk.LineRange, sc.Similarity*100, sc.Chunk.Content)
	}
	return b.String()
}
