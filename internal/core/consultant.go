package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"lawbase.hk/legal-assistant/internal/store"
)

const (
	searchToolName = "searchLegalKnowledgeBase"

	consultantInstruction = "你是一個專業的香港法律諮詢助理。回答任何法律問題之前,請先使用 " + searchToolName +
		" 工具搜尋相關的法律條文,並根據搜尋結果回答。你可以多次搜尋不同的關鍵詞。" +
		"回答時請引用相關的法規編號與條文,如果搜尋不到相關資料,請明確告知使用者並提醒他們諮詢執業律師。"

	consultantErrorMessage = "處理您的請求時發生錯誤,請稍後再試。"

	// Printed between the model's thinking-aloud text and what follows.
	narrativeSeparator = "\n\n---\n\n"
)

type ConsultantConfig struct {
	FlashModel string
	ProModel   string
	// MaxToolIterations bounds the tool-calling loop. The model decides
	// when to stop searching; this cap is the untrusted-termination
	// guard against unbounded cost accumulation.
	MaxToolIterations int
	// ProCostMultiplier is the business-rule surcharge applied to the
	// whole turn's billable total when the pro tier is used.
	ProCostMultiplier int64
	RetrieveLimit     int
}

// ConsultantService runs the multi-turn, tool-calling consultation loop:
// the model is handed one retrieval tool and invokes it as many times as
// it sees fit (within the cap) before producing its final answer.
type ConsultantService struct {
	llm           LLM
	retriever     *Retriever
	accountant    *TokenAccountant
	conversations *ConversationService
	cfg           ConsultantConfig
}

func NewConsultantService(llm LLM, retriever *Retriever, accountant *TokenAccountant, conversations *ConversationService, cfg ConsultantConfig) *ConsultantService {
	return &ConsultantService{
		llm:           llm,
		retriever:     retriever,
		accountant:    accountant,
		conversations: conversations,
		cfg:           cfg,
	}
}

// HistoryTurn is one prior turn supplied by the client.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ConsultRequest struct {
	Message        string        `json:"message"`
	ConversationID string        `json:"conversationId,omitempty"`
	History        []HistoryTurn `json:"conversationHistory,omitempty"`
	UsePro         bool          `json:"useProModel,omitempty"`
}

var searchToolDefinition = ToolDefinition{
	Name:        searchToolName,
	Description: "搜尋法律知識庫,返回與關鍵詞最相關的法律條文。",
	Parameters: map[string]string{
		"keywords": "用於搜尋法律條文的關鍵詞,多個關鍵詞以空格分隔",
	},
	Required: []string{"keywords"},
}

// Consult executes one consultation turn. All progress and the terminal
// completion or error event go through reporter; the returned error is for
// the caller's log only and carries the technical cause.
func (s *ConsultantService) Consult(ctx context.Context, p *Principal, req ConsultRequest, reporter ProgressReporter) error {
	// Ownership is checked before any paid call so a wrong conversation
	// id costs nothing.
	if req.ConversationID != "" {
		conv, err := s.conversations.store.GetConversation(req.ConversationID, p.UserID)
		if err != nil {
			return s.fail(reporter, err)
		}
		if conv == nil {
			return s.fail(reporter, store.ErrNotFoundOrForbidden)
		}
	}

	s.send(reporter, Event{Type: EventStep, Content: "正在分析您的問題…"})

	model := s.cfg.FlashModel
	if req.UsePro {
		model = s.cfg.ProModel
	}

	history := make([]Turn, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := TurnRoleUser
		if turn.Role == TurnRoleAssistant {
			role = TurnRoleAssistant
		}
		history = append(history, Turn{Role: role, Text: turn.Content})
	}
	history = append(history, Turn{Role: TurnRoleUser, Text: req.Message})

	var tally TokenTally
	docIDs := make(map[int64]bool)

	resp, err := s.complete(ctx, model, history, &tally, req.Message)
	if err != nil {
		return s.fail(reporter, err)
	}

	iterations := 0
	for len(resp.Calls) > 0 {
		iterations++
		if iterations > s.cfg.MaxToolIterations {
			return s.fail(reporter, fmt.Errorf("%w after %d iterations", ErrToolLoopExceeded, s.cfg.MaxToolIterations))
		}

		// Narrative text alongside a tool call is the model thinking
		// aloud before searching; relay it right away.
		if strings.TrimSpace(resp.Text) != "" {
			s.send(reporter, Event{Type: EventResponseChunk, Content: resp.Text})
			s.send(reporter, Event{Type: EventResponseChunk, Content: narrativeSeparator})
		}

		history = append(history, Turn{Role: TurnRoleAssistant, Text: resp.Text, Calls: resp.Calls})

		for _, call := range resp.Calls {
			result, err := s.executeSearch(ctx, call, docIDs, &tally, reporter)
			if err != nil {
				return s.fail(reporter, err)
			}
			history = append(history, Turn{Response: &FunctionResponse{Name: call.Name, Content: result}})
		}

		resp, err = s.complete(ctx, model, history, &tally, "")
		if err != nil {
			return s.fail(reporter, err)
		}
	}

	answer := strings.TrimSpace(resp.Text)
	if answer == "" {
		return s.fail(reporter, ErrEmptyResponse)
	}
	s.send(reporter, Event{Type: EventResponseChunk, Content: answer})

	billable := tally.Billable()
	if req.UsePro {
		billable *= s.cfg.ProCostMultiplier
	}

	// From here on failures under-bill rather than surface: the answer
	// already streamed and the model calls already happened.
	remaining := p.RemainingTokens
	if newRemaining, err := s.accountant.Debit(p, FeatureConsultant, billable); err != nil {
		log.Printf("Failed to debit %d tokens for user %d: %v", billable, p.UserID, err)
	} else {
		remaining = newRemaining
	}

	saved := s.conversations.SaveTurn(&store.ConversationTurn{
		UserID:           p.UserID,
		ConversationID:   req.ConversationID,
		Title:            TitleFromMessage(req.Message),
		Model:            model,
		TurnTokens:       billable,
		UserMessage:      store.Message{Role: "user", Content: req.Message},
		AssistantMessage: store.Message{Role: "assistant", Content: answer, DocumentIDs: sortedIDs(docIDs), Tokens: billable},
	})

	s.send(reporter, Event{Type: EventCompletion, Content: CompletionPayload{
		TokensUsed:      billable,
		RemainingTokens: remaining,
		ConversationID:  saved.ID,
	}})
	return nil
}

func (s *ConsultantService) complete(ctx context.Context, model string, history []Turn, tally *TokenTally, estimateBasis string) (*Completion, error) {
	resp, err := s.llm.Complete(ctx, CompletionRequest{
		Model:             model,
		SystemInstruction: consultantInstruction,
		History:           history,
		Tools:             []ToolDefinition{searchToolDefinition},
	})
	if err != nil {
		return nil, err
	}
	if resp.ReportedTokens > 0 {
		tally.AddReported(resp.ReportedTokens)
	} else if estimateBasis != "" {
		tally.AddEstimated(EstimateTextTokens(estimateBasis + resp.Text))
	} else {
		tally.AddEstimated(EstimateTextTokens(resp.Text))
	}
	return resp, nil
}

// executeSearch runs one searchLegalKnowledgeBase invocation. Zero results
// is a warning, not a failure: the model gets an empty tool result and
// decides how to proceed.
func (s *ConsultantService) executeSearch(ctx context.Context, call FunctionCall, docIDs map[int64]bool, tally *TokenTally, reporter ProgressReporter) (string, error) {
	if call.Name != searchToolName {
		log.Printf("Model requested unknown tool %q, returning empty result", call.Name)
		return "", nil
	}

	keywords, _ := call.Args["keywords"].(string)
	keywords = strings.TrimSpace(keywords)
	if keywords == "" {
		return "", nil
	}

	s.send(reporter, Event{Type: EventStep, Content: "正在搜尋相關法律條文:" + keywords})

	embedding, err := s.retriever.Embed(ctx, keywords, tally)
	if err != nil {
		return "", err
	}

	chunks, err := s.retriever.Retrieve(embedding, s.cfg.RetrieveLimit, nil)
	if err != nil {
		return "", err
	}

	if len(chunks) == 0 {
		s.send(reporter, Event{Type: EventStep, Content: "沒有找到與「" + keywords + "」相關的法律條文"})
		return "", nil
	}

	for _, sc := range chunks {
		docIDs[sc.Chunk.ID] = true
	}
	s.send(reporter, Event{Type: EventSources, Content: toChunkResults(chunks)})

	return FormatChunkBlocks(chunks), nil
}

// fail emits the single user-safe error event and hands the technical
// cause back for logging. No automatic retry: retrying a paid model call
// silently risks double-billing.
func (s *ConsultantService) fail(reporter ProgressReporter, err error) error {
	s.send(reporter, Event{Type: EventError, Content: consultantErrorMessage})
	return err
}

func (s *ConsultantService) send(reporter ProgressReporter, ev Event) {
	if err := reporter.Send(ev); err != nil {
		log.Printf("Failed to deliver %s event: %v", ev.Type, err)
	}
}

func sortedIDs(set map[int64]bool) []int64 {
	if len(set) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
