package core

import (
	"context"
	"path/filepath"
	"testing"

	"lawbase.hk/legal-assistant/internal/store"
)

// fakeLLM replays scripted completions; the last one repeats so a
// tool-call response can be returned forever.
type fakeLLM struct {
	completions []*Completion
	calls       int
	lastRequest CompletionRequest

	embedVec   []float32
	embedErr   error
	embedCalls int

	completeErr error
}

func (f *fakeLLM) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	f.calls++
	f.lastRequest = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	if len(f.completions) == 0 {
		return &Completion{}, nil
	}
	c := f.completions[0]
	if len(f.completions) > 1 {
		f.completions = f.completions[1:]
	}
	return c, nil
}

func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedVec, nil
}

type collectReporter struct {
	events []Event
}

func (c *collectReporter) Send(ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *collectReporter) last() Event {
	if len(c.events) == 0 {
		return Event{}
	}
	return c.events[len(c.events)-1]
}

func (c *collectReporter) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *store.SQLiteStore, role string, tokens int64) *store.User {
	t.Helper()
	user, err := s.CreateUser("user-"+role, "hash", role, tokens)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func seedChunks(t *testing.T, s *store.SQLiteStore, chunks []store.LawChunk) {
	t.Helper()
	for i := range chunks {
		if err := s.AddChunk(&chunks[i]); err != nil {
			t.Fatalf("add chunk: %v", err)
		}
	}
}
