package core

import (
	"context"
	"errors"
	"testing"

	"lawbase.hk/legal-assistant/internal/store"
)

func TestExtractKeywordsCapsAndTrims(t *testing.T) {
	llm := &fakeLLM{completions: []*Completion{{
		Text:           "謀殺罪\n  最高刑罰  \n\n終身監禁\n刑事罪行條例\n判刑原則\n第六個關鍵詞\n",
		ReportedTokens: 42,
	}}}
	r := NewRetriever(newTestStore(t), llm, "test-model")

	var tally TokenTally
	keywords, err := r.ExtractKeywords(context.Background(), "謀殺最高判幾多年?", &tally)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	if len(keywords) != 5 {
		t.Fatalf("expected 5 keywords, got %d: %v", len(keywords), keywords)
	}
	for _, kw := range keywords {
		if kw == "" {
			t.Error("keyword set contains an empty entry")
		}
	}
	if keywords[1] != "最高刑罰" {
		t.Errorf("keyword not trimmed: %q", keywords[1])
	}
	if tally.Reported != 42 || tally.Estimated != 0 {
		t.Errorf("reported usage must land in the reported bucket, got %+v", tally)
	}
}

func TestExtractKeywordsFallsBackToQuery(t *testing.T) {
	llm := &fakeLLM{completions: []*Completion{{Text: "   \n\n  "}}}
	r := NewRetriever(newTestStore(t), llm, "test-model")

	var tally TokenTally
	keywords, err := r.ExtractKeywords(context.Background(), "遺產繼承", &tally)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(keywords) != 1 || keywords[0] != "遺產繼承" {
		t.Errorf("expected raw-query fallback, got %v", keywords)
	}
	if tally.Reported != 0 || tally.Estimated == 0 {
		t.Errorf("missing provider usage must be tallied as an estimate, got %+v", tally)
	}
}

func TestEmbedRejectsEmptyVectors(t *testing.T) {
	llm := &fakeLLM{embedVec: nil}
	r := NewRetriever(newTestStore(t), llm, "test-model")

	var tally TokenTally
	_, err := r.Embed(context.Background(), "text", &tally)
	if !errors.Is(err, ErrEmbedding) {
		t.Fatalf("expected ErrEmbedding, got %v", err)
	}
	if tally.Billable() != 0 {
		t.Errorf("failed embed must not be tallied, got %+v", tally)
	}
}

func TestRetrieveOrdersBySimilarity(t *testing.T) {
	s := newTestStore(t)
	seedChunks(t, s, []store.LawChunk{
		{LawID: "cap200", Title: "刑事罪行條例", LineRange: "10-20", Content: "low", Embedding: []float32{0.2, 0.98, 0}},
		{LawID: "cap212", Title: "侵害人身罪條例", LineRange: "30-45", Content: "high", Embedding: []float32{1, 0, 0}},
		{LawID: "cap221", Title: "刑事訴訟程序條例", LineRange: "5-9", Content: "mid", Embedding: []float32{0.8, 0.6, 0}},
	})
	r := NewRetriever(s, &fakeLLM{}, "test-model")

	chunks, err := r.Retrieve([]float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if len(chunks) != 3 {
		t.Fatalf("expected all 3 chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Similarity > chunks[i-1].Similarity {
			t.Errorf("similarity increased at %d: %v then %v", i, chunks[i-1].Similarity, chunks[i].Similarity)
		}
	}
	if chunks[0].Chunk.Content != "high" || chunks[2].Chunk.Content != "low" {
		t.Errorf("unexpected order: %s, %s, %s", chunks[0].Chunk.Content, chunks[1].Chunk.Content, chunks[2].Chunk.Content)
	}
}

func TestRetrieveTruncatesToLimit(t *testing.T) {
	s := newTestStore(t)
	seedChunks(t, s, []store.LawChunk{
		{LawID: "a", Content: "1", Embedding: []float32{1, 0, 0}},
		{LawID: "b", Content: "2", Embedding: []float32{0.9, 0.1, 0}},
		{LawID: "c", Content: "3", Embedding: []float32{0.8, 0.2, 0}},
	})
	r := NewRetriever(s, &fakeLLM{}, "test-model")

	chunks, err := r.Retrieve([]float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("expected limit of 2, got %d", len(chunks))
	}
}

func TestRetrieveEmptyStoreIsValid(t *testing.T) {
	r := NewRetriever(newTestStore(t), &fakeLLM{}, "test-model")

	chunks, err := r.Retrieve([]float32{1, 0, 0}, 5, nil)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no results, got %d", len(chunks))
	}
}
