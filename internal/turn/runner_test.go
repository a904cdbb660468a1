package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/citations"
	"github.com/kalviumcommunity/sumanize/internal/generator"
	"github.com/kalviumcommunity/sumanize/internal/streaming"
)

type capturePublisher struct {
	mu         sync.Mutex
	events     []streaming.Event
	chunkErr   error // returned for chunk events when set
	failAlways bool
}

func (p *capturePublisher) Publish(_ context.Context, _ string, ev streaming.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAlways {
		return streaming.ErrNoSubscriber
	}
	if _, ok := ev.(streaming.ChunkEvent); ok && p.chunkErr != nil {
		return p.chunkErr
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) byType(typ string) []streaming.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []streaming.Event
	for _, ev := range p.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

type savedMessage struct {
	Role    string
	Content string
	Cites   []citations.Citation
}

type fakeStore struct {
	mu sync.Mutex
	// failures left per role before saves start succeeding
	failRole  string
	failCount int
	saved     []savedMessage
}

func (s *fakeStore) SaveMessage(_ context.Context, _, _, role, content string, cites []citations.Citation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == s.failRole && s.failCount > 0 {
		s.failCount--
		return errors.New("database unavailable")
	}
	s.saved = append(s.saved, savedMessage{Role: role, Content: content, Cites: cites})
	return nil
}

func (s *fakeStore) byRole(role string) []savedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []savedMessage
	for _, m := range s.saved {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func newTestRunner(gen generator.Generator, pub *capturePublisher, store *fakeStore, timeout time.Duration) *Runner {
	logger := zap.NewNop()
	agg := streaming.NewAggregator(pub, logger)
	processor := citations.NewProcessor(citations.NewMatcher(citations.DefaultConfig()))
	return NewRunner(gen, agg, processor, store, timeout, logger)
}

func TestRunnerExecuteCompletesTurn(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{}
	gen := generator.NewScripted(
		"Revenue grew by twelve percent [1].\n\n",
		"CITATIONS:\n[1] \"revenue grew by twelve percent in the third quarter\"",
	)
	runner := newTestRunner(gen, pub, store, time.Second)

	req := generator.Request{
		ChatID:         "chat-100",
		UserID:         "user-100",
		Prompt:         "Summarize the report",
		SourceDocument: "The company announced that revenue grew by twelve percent in the third quarter. Margins held steady.",
	}
	require.NoError(t, runner.Execute(context.Background(), req))

	// User prompt persisted first, processed assistant reply second.
	users := store.byRole("user")
	require.Len(t, users, 1)
	assert.Equal(t, "Summarize the report", users[0].Content)

	assistants := store.byRole("assistant")
	require.Len(t, assistants, 1)
	assert.Equal(t, "Revenue grew by twelve percent [1].", assistants[0].Content)
	require.Len(t, assistants[0].Cites, 1)
	assert.True(t, assistants[0].Cites[0].IsMatched)
	assert.Equal(t, 1, assistants[0].Cites[0].ID)

	chunks := pub.byType("chunk")
	assert.Len(t, chunks, 2)

	completes := pub.byType("complete")
	require.Len(t, completes, 1)
	complete := completes[0].(streaming.CompleteEvent)
	assert.Equal(t, "Revenue grew by twelve percent [1].", complete.Content)
	assert.True(t, complete.HasCitations)
	assert.Equal(t, 2, complete.TotalChunks)
}

func TestRunnerExecuteGeneratorError(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{}
	gen := &generator.Scripted{
		Chunks:    []string{"partial "},
		FailAfter: 1,
		Err:       errors.New("model overloaded"),
	}
	runner := newTestRunner(gen, pub, store, time.Second)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	require.Error(t, err)

	// Partial output must never reach storage.
	assert.Empty(t, store.byRole("assistant"))
	assert.Empty(t, pub.byType("complete"))
	require.Len(t, pub.byType("error"), 1)
}

func TestRunnerExecuteAbandonedWhenNoSubscriber(t *testing.T) {
	pub := &capturePublisher{chunkErr: streaming.ErrNoSubscriber}
	store := &fakeStore{}
	gen := generator.NewScripted("chunk one ", "chunk two")
	runner := newTestRunner(gen, pub, store, time.Second)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, streaming.ErrNoSubscriber)
	assert.Empty(t, store.byRole("assistant"))
	assert.Empty(t, pub.byType("complete"))
}

// stalledGenerator hands back a channel that never produces, so only the
// turn deadline can end the run.
type stalledGenerator struct{}

func (stalledGenerator) Stream(context.Context, generator.Request) (<-chan generator.Delta, error) {
	return make(chan generator.Delta), nil
}

func TestRunnerExecuteTimeout(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{}
	runner := newTestRunner(stalledGenerator{}, pub, store, 30*time.Millisecond)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, store.byRole("assistant"))
	require.Len(t, pub.byType("error"), 1)
}

func TestRunnerExecutePersistRetrySucceeds(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{failRole: "assistant", failCount: 1}
	gen := generator.NewScripted("No citations here.")
	runner := newTestRunner(gen, pub, store, time.Second)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	require.NoError(t, err, "single transient failure is absorbed by the retry")
	require.Len(t, store.byRole("assistant"), 1)
	assert.Len(t, pub.byType("complete"), 1)
}

func TestRunnerExecutePersistFailureSurfaced(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{failRole: "assistant", failCount: 2}
	gen := generator.NewScripted("No citations here.")
	runner := newTestRunner(gen, pub, store, time.Second)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	require.Error(t, err)
	assert.Empty(t, store.byRole("assistant"))

	// Delivery still closes out so the live view has the content.
	assert.Len(t, pub.byType("complete"), 1)
}

func TestRunnerExecuteUserPersistFailureNotFatal(t *testing.T) {
	pub := &capturePublisher{}
	store := &fakeStore{failRole: "user", failCount: 1}
	gen := generator.NewScripted("Reply text.")
	runner := newTestRunner(gen, pub, store, time.Second)

	err := runner.Execute(context.Background(), generator.Request{
		ChatID: "chat-1", UserID: "user-1", Prompt: "p",
	})
	require.NoError(t, err)
	assert.Empty(t, store.byRole("user"))
	require.Len(t, store.byRole("assistant"), 1)
}
