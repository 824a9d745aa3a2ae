package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiService implements LLM over the Gemini API.
type GeminiService struct {
	client         *genai.Client
	embeddingModel string
}

func NewGeminiService(ctx context.Context, apiKey, embeddingModel string) (*GeminiService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiService{client: client, embeddingModel: embeddingModel}, nil
}

func (s *GeminiService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
}

func (s *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(s.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, ErrEmbedding
	}
	return res.Embedding.Values, nil
}

func (s *GeminiService) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := s.client.GenerativeModel(req.Model)

	if req.SystemInstruction != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemInstruction)},
		}
	}

	if len(req.Tools) > 0 {
		model.Tools = buildTools(req.Tools)
		model.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingAuto},
		}
	}

	contents := toGenaiContents(req.History)
	if len(contents) == 0 {
		return nil, fmt.Errorf("history is empty for completion")
	}

	last := contents[len(contents)-1]
	session := model.StartChat()
	session.History = contents[:len(contents)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini SendMessage failed: %w", err)
	}

	completion := &Completion{}
	if resp.UsageMetadata != nil {
		completion.ReportedTokens = int64(resp.UsageMetadata.TotalTokenCount)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return completion, nil
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			text.WriteString(string(v))
		case genai.FunctionCall:
			completion.Calls = append(completion.Calls, FunctionCall{Name: v.Name, Args: v.Args})
		default:
			log.Printf("Gemini response part was not text or function call: %T", part)
		}
	}
	completion.Text = text.String()

	return completion, nil
}

func buildTools(defs []ToolDefinition) []*genai.Tool {
	var decls []*genai.FunctionDeclaration
	for _, def := range defs {
		properties := make(map[string]*genai.Schema, len(def.Parameters))
		for name, description := range def.Parameters {
			properties[name] = &genai.Schema{Type: genai.TypeString, Description: description}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.Required,
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGenaiContents(history []Turn) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range history {
		switch {
		case turn.Response != nil:
			contents = append(contents, &genai.Content{
				Role: "function",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     turn.Response.Name,
					Response: map[string]any{"content": turn.Response.Content},
				}},
			})
		case turn.Role == TurnRoleAssistant:
			var parts []genai.Part
			if turn.Text != "" {
				parts = append(parts, genai.Text(turn.Text))
			}
			for _, call := range turn.Calls {
				parts = append(parts, genai.FunctionCall{Name: call.Name, Args: call.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(turn.Text)}})
		}
	}
	return contents
}
