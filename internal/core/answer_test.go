package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"lawbase.hk/legal-assistant/internal/store"
)

func testScoredChunks() []store.ScoredChunk {
	return []store.ScoredChunk{
		{Chunk: store.LawChunk{ID: 1, LawID: "cap212", Title: "侵害人身罪條例", LineRange: "12-34", Content: "謀殺罪可判處終身監禁。"}, Similarity: 0.91},
		{Chunk: store.LawChunk{ID: 2, LawID: "cap221", Title: "刑事訴訟程序條例", LineRange: "5-9", Content: "判刑由法庭酌情決定。"}, Similarity: 0.77},
	}
}

func TestSynthesizeBuildsGroundedPrompt(t *testing.T) {
	llm := &fakeLLM{completions: []*Completion{{Text: "根據侵害人身罪條例,謀殺罪的最高刑罰為終身監禁。", ReportedTokens: 321}}}
	s := NewSynthesizer(llm, "test-model")

	var tally TokenTally
	answer, err := s.Synthesize(context.Background(), "謀殺罪的最高刑罰", testScoredChunks(), &tally)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if answer == "" {
		t.Fatal("expected non-empty answer")
	}
	if tally.Reported != 321 {
		t.Errorf("reported tokens = %d, want 321", tally.Reported)
	}

	prompt := llm.lastRequest.History[0].Text
	for _, want := range []string{"cap212", "侵害人身罪條例", "12-34", "91%", "謀殺罪可判處終身監禁。", "謀殺罪的最高刑罰"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if llm.lastRequest.SystemInstruction == "" {
		t.Error("expected a grounding system instruction")
	}
}

func TestSynthesizeEmptyTextFails(t *testing.T) {
	llm := &fakeLLM{completions: []*Completion{{Text: "  \n "}}}
	s := NewSynthesizer(llm, "test-model")

	var tally TokenTally
	_, err := s.Synthesize(context.Background(), "q", testScoredChunks(), &tally)
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestFormatChunkBlocksLabelsEveryChunk(t *testing.T) {
	out := FormatChunkBlocks(testScoredChunks())

	if !strings.Contains(out, "【資料 1】") || !strings.Contains(out, "【資料 2】") {
		t.Error("chunk blocks must be indexed")
	}
	if !strings.Contains(out, "相關度:91%") {
		t.Errorf("similarity percentage missing:\n%s", out)
	}
	if strings.Count(out, "---") != 2 {
		t.Error("each block must be delimited")
	}
}
