// Package generator defines the boundary to the text-generation backend.
// The backend itself is a black box: anything that yields a stream of text
// deltas and eventually exhausts satisfies the contract.
package generator

import (
	"context"
	"time"
)

// Delta is one increment from the generator stream. A non-nil Err terminates
// the stream; the channel is closed after the final delta either way.
type Delta struct {
	Text string
	Err  error
}

// Request describes one turn's generation input. The prompt already contains
// whatever citation instructions the caller wants; this package does not know
// about the CITATIONS convention.
type Request struct {
	ChatID         string
	UserID         string
	Prompt         string
	SourceDocument string
}

// Generator streams text deltas for a request. Implementations must close the
// returned channel when the stream ends and should respect ctx cancellation.
type Generator interface {
	Stream(ctx context.Context, req Request) (<-chan Delta, error)
}

// Scripted replays a fixed chunk sequence, optionally failing partway
// through. Used by tests and the dev entrypoint; the production backend is
// wired in by the embedding application.
type Scripted struct {
	Chunks []string
	// FailAfter injects Err after this many chunks when >= 0.
	FailAfter int
	Err       error
	Delay     time.Duration
}

func NewScripted(chunks ...string) *Scripted {
	return &Scripted{Chunks: chunks, FailAfter: -1}
}

func (s *Scripted) Stream(ctx context.Context, _ Request) (<-chan Delta, error) {
	out := make(chan Delta)
	go func() {
		defer close(out)
		for i, text := range s.Chunks {
			if s.FailAfter >= 0 && i == s.FailAfter {
				out <- Delta{Err: s.Err}
				return
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- Delta{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		if s.FailAfter >= 0 && s.FailAfter >= len(s.Chunks) {
			out <- Delta{Err: s.Err}
		}
	}()
	return out, nil
}
