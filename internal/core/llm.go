package core

import "context"

// Provider-neutral chat types. The Gemini service maps these onto genai
// structures; tests substitute fakes.

const (
	TurnRoleUser      = "user"
	TurnRoleAssistant = "assistant"
)

// FunctionCall is a structured tool invocation requested by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// FunctionResponse carries a tool's result back to the model.
type FunctionResponse struct {
	Name    string
	Content string
}

// Turn is one entry of a working conversation history. Exactly one of
// Text/Calls/Response is meaningful for a given role, except that an
// assistant turn may carry narrative text alongside its calls.
type Turn struct {
	Role     string
	Text     string
	Calls    []FunctionCall
	Response *FunctionResponse
}

// ToolDefinition declares one tool the model may invoke. Parameters maps
// string-typed argument names to their descriptions.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]string
	Required    []string
}

type CompletionRequest struct {
	Model             string
	SystemInstruction string
	History           []Turn
	Tools             []ToolDefinition
}

// Completion is one model response. ReportedTokens is zero when the
// provider omitted usage metadata; callers then fall back to the estimate
// heuristic and must account for it as an estimate, not as usage.
type Completion struct {
	Text           string
	Calls          []FunctionCall
	ReportedTokens int64
}

// LLM is the language-model capability consumed by the pipeline services.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
