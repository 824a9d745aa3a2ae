package core

import "errors"

var (
	// ErrEmbedding: the embedding provider returned zero vectors.
	ErrEmbedding = errors.New("embedding provider returned no vectors")

	// ErrSynthesis: the synthesis call produced empty answer text.
	ErrSynthesis = errors.New("synthesis returned empty text")

	// ErrEmptyResponse: the consultant's final model turn carried no text.
	ErrEmptyResponse = errors.New("model returned an empty response")

	// ErrToolLoopExceeded: the model kept requesting tool calls past the
	// configured iteration cap.
	ErrToolLoopExceeded = errors.New("tool-calling loop exceeded iteration limit")

	// ErrInsufficientTokens: the estimated-cost pre-check failed.
	ErrInsufficientTokens = errors.New("insufficient token balance")

	// ErrAccessDenied: the principal's role lacks the feature entitlement.
	ErrAccessDenied = errors.New("feature not available for this role")

	// ErrNoRelevantResults: retrieval found nothing. A valid empty state,
	// not a provider failure.
	ErrNoRelevantResults = errors.New("no relevant documents found")
)
