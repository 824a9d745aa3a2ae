package core

// Streaming progress events. One request emits events strictly in pipeline
// order: step/chunk events, then a single terminal completion or error.

type EventType string

const (
	EventStep          EventType = "step"
	EventChunk         EventType = "chunk"
	EventAnswerChunk   EventType = "answer_chunk"
	EventResponseChunk EventType = "response_chunk"
	EventSources       EventType = "sources"
	EventTokens        EventType = "tokens"
	EventCompletion    EventType = "completion"
	EventError         EventType = "error"
)

type Event struct {
	Type    EventType `json:"type"`
	Content any       `json:"content"`
}

// CompletionPayload is the content of the terminal completion event.
type CompletionPayload struct {
	TokensUsed      int64  `json:"tokens_used"`
	RemainingTokens int64  `json:"remaining_tokens"`
	ConversationID  string `json:"conversationId,omitempty"`
}

// ProgressReporter delivers events to the caller as the pipeline runs.
// Implementations must preserve emission order for one request.
type ProgressReporter interface {
	Send(Event) error
}
