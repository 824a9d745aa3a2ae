package core

import (
	"context"
	"log"
	"strings"

	"lawbase.hk/legal-assistant/internal/store"
)

const noResultsMessage = "找不到與您的問題相關的法律文件"

type RAGConfig struct {
	SearchLimit int
	QALimit     int
}

// RAGService carries the two single-shot retrieval pipelines: plain search
// (non-streaming) and grounded question answering (streaming).
type RAGService struct {
	retriever   *Retriever
	synthesizer *Synthesizer
	accountant  *TokenAccountant
	cfg         RAGConfig
}

func NewRAGService(retriever *Retriever, synthesizer *Synthesizer, accountant *TokenAccountant, cfg RAGConfig) *RAGService {
	return &RAGService{
		retriever:   retriever,
		synthesizer: synthesizer,
		accountant:  accountant,
		cfg:         cfg,
	}
}

type ChunkMetadata struct {
	LawID     string `json:"law_id"`
	Title     string `json:"title"`
	LineRange string `json:"line_range"`
	URL       string `json:"url,omitempty"`
}

type ChunkResult struct {
	ID         int64         `json:"id"`
	Content    string        `json:"content"`
	Metadata   ChunkMetadata `json:"metadata"`
	Similarity float32       `json:"similarity"`
}

func toChunkResults(chunks []store.ScoredChunk) []ChunkResult {
	results := make([]ChunkResult, 0, len(chunks))
	for _, sc := range chunks {
		results = append(results, ChunkResult{
			ID:      sc.Chunk.ID,
			Content: sc.Chunk.Content,
			Metadata: ChunkMetadata{
				LawID:     sc.Chunk.LawID,
				Title:     sc.Chunk.Title,
				LineRange: sc.Chunk.LineRange,
				URL:       sc.Chunk.SourceURL,
			},
			Similarity: sc.Similarity,
		})
	}
	return results
}

type SearchResult struct {
	Query           string        `json:"query"`
	Keywords        []string      `json:"keywords"`
	Results         []ChunkResult `json:"results"`
	TokensUsed      int64         `json:"tokens_used"`
	RemainingTokens int64         `json:"remaining_tokens"`
}

// Search runs keyword extraction, embedding and retrieval, debits the
// billable cost, and returns everything as one JSON-ready object.
func (s *RAGService) Search(ctx context.Context, p *Principal, query string) (*SearchResult, error) {
	var tally TokenTally

	keywords, err := s.retriever.ExtractKeywords(ctx, query, &tally)
	if err != nil {
		return nil, err
	}

	embedding, err := s.retriever.Embed(ctx, strings.Join(keywords, " "), &tally)
	if err != nil {
		return nil, err
	}

	chunks, err := s.retriever.Retrieve(embedding, s.cfg.SearchLimit, nil)
	if err != nil {
		return nil, err
	}

	billable := tally.Billable()
	remaining := p.RemainingTokens
	if newRemaining, err := s.accountant.Debit(p, FeatureSearch, billable); err != nil {
		log.Printf("Failed to debit %d tokens for user %d: %v", billable, p.UserID, err)
	} else {
		remaining = newRemaining
	}

	return &SearchResult{
		Query:           query,
		Keywords:        keywords,
		Results:         toChunkResults(chunks),
		TokensUsed:      billable,
		RemainingTokens: remaining,
	}, nil
}

// Answer streams the grounded question-answering pipeline. An empty
// retrieval emits the no-results error event and stops before synthesis —
// nothing further is billed beyond the retrieval sub-calls already made.
func (s *RAGService) Answer(ctx context.Context, p *Principal, question string, reporter ProgressReporter) error {
	send := func(ev Event) {
		if err := reporter.Send(ev); err != nil {
			log.Printf("Failed to deliver %s event: %v", ev.Type, err)
		}
	}

	send(Event{Type: EventStep, Content: "正在分析您的問題…"})

	var tally TokenTally
	keywords, err := s.retriever.ExtractKeywords(ctx, question, &tally)
	if err != nil {
		send(Event{Type: EventError, Content: consultantErrorMessage})
		return err
	}

	send(Event{Type: EventStep, Content: "正在搜尋相關法律條文…"})

	embedding, err := s.retriever.Embed(ctx, strings.Join(keywords, " "), &tally)
	if err != nil {
		send(Event{Type: EventError, Content: consultantErrorMessage})
		return err
	}

	chunks, err := s.retriever.Retrieve(embedding, s.cfg.QALimit, nil)
	if err != nil {
		send(Event{Type: EventError, Content: consultantErrorMessage})
		return err
	}

	if len(chunks) == 0 {
		send(Event{Type: EventError, Content: noResultsMessage})
		return ErrNoRelevantResults
	}

	send(Event{Type: EventSources, Content: toChunkResults(chunks)})
	send(Event{Type: EventStep, Content: "正在整理答案…"})

	answer, err := s.synthesizer.Synthesize(ctx, question, chunks, &tally)
	if err != nil {
		send(Event{Type: EventError, Content: consultantErrorMessage})
		return err
	}

	send(Event{Type: EventAnswerChunk, Content: answer})

	billable := tally.Billable()
	remaining := p.RemainingTokens
	if newRemaining, err := s.accountant.Debit(p, FeatureQA, billable); err != nil {
		log.Printf("Failed to debit %d tokens for user %d: %v", billable, p.UserID, err)
	} else {
		remaining = newRemaining
	}

	send(Event{Type: EventCompletion, Content: CompletionPayload{
		TokensUsed:      billable,
		RemainingTokens: remaining,
	}})
	return nil
}
