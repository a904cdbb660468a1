// Package turn orchestrates one AI turn: stream the generator through the
// aggregator, resolve citations, persist the result, and close out delivery.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/citations"
	"github.com/kalviumcommunity/sumanize/internal/generator"
	"github.com/kalviumcommunity/sumanize/internal/metrics"
	"github.com/kalviumcommunity/sumanize/internal/streaming"
	"github.com/kalviumcommunity/sumanize/internal/tracing"
)

// Store is the persistence collaborator. Called exactly once per completed
// turn with the assistant message, after citation processing.
type Store interface {
	SaveMessage(ctx context.Context, chatID, userID, role, content string, cites []citations.Citation) error
}

// DefaultTimeout bounds worst-case generator latency; a generator silent for
// this long is assumed wedged.
const DefaultTimeout = 45 * time.Second

// Runner executes turns. Each Execute call is one independent turn; Runners
// are safe for concurrent use since all per-turn state is local.
type Runner struct {
	gen       generator.Generator
	agg       *streaming.Aggregator
	processor *citations.Processor
	store     Store
	timeout   time.Duration
	logger    *zap.Logger
}

func NewRunner(gen generator.Generator, agg *streaming.Aggregator, processor *citations.Processor, store Store, timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		gen:       gen,
		agg:       agg,
		processor: processor,
		store:     store,
		timeout:   timeout,
		logger:    logger,
	}
}

// Execute runs one turn to completion. Partial text from a failed or
// abandoned stream is discarded, never persisted. A persistence failure after
// successful generation is retried once, then surfaced to the caller; the
// complete event still goes out so the live view gets the content.
func (r *Runner) Execute(ctx context.Context, req generator.Request) error {
	topic := streaming.Topic(req.UserID, req.ChatID)
	start := time.Now()
	metrics.TurnsStarted.Inc()

	ctx, span := tracing.StartSpan(ctx, "turn.execute")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.store.SaveMessage(ctx, req.ChatID, req.UserID, "user", req.Prompt, nil); err != nil {
		// The turn can still stream; history is just missing the question.
		r.logger.Error("Failed to persist user message",
			zap.String("chat_id", req.ChatID),
			zap.Error(err))
	}

	deltas, err := r.gen.Stream(ctx, req)
	if err != nil {
		metrics.TurnsCompleted.WithLabelValues("generator_error").Inc()
		return fmt.Errorf("start generator stream: %w", err)
	}

	result, err := r.agg.Run(ctx, topic, deltas)
	if err != nil {
		status := "generator_error"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
		case errors.Is(err, streaming.ErrNoSubscriber):
			status = "abandoned"
		}
		metrics.TurnsCompleted.WithLabelValues(status).Inc()
		r.logger.Warn("Turn did not complete",
			zap.String("chat_id", req.ChatID),
			zap.String("status", status),
			zap.Error(err))
		return err
	}

	resp := r.processCitations(ctx, result.Content, req.SourceDocument)

	persistErr := r.persistAssistantMessage(req, resp)

	// Best-effort final delivery; detached context since the turn budget may
	// be exhausted even though generation succeeded.
	completeCtx, completeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer completeCancel()
	r.agg.Complete(completeCtx, topic, resp, result.TotalChunks)

	metrics.TurnsCompleted.WithLabelValues("completed").Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	r.logger.Info("Turn completed",
		zap.String("chat_id", req.ChatID),
		zap.Int("total_chunks", result.TotalChunks),
		zap.Int("citations", len(resp.Citations)),
		zap.Duration("duration", time.Since(start)))
	return persistErr
}

func (r *Runner) processCitations(ctx context.Context, content, sourceDocument string) citations.ProcessedResponse {
	_, span := tracing.StartSpan(ctx, "turn.process_citations")
	defer span.End()

	resp := r.processor.Process(content, sourceDocument)

	metrics.CitationsParsed.Add(float64(len(resp.Citations)))
	for _, c := range resp.Citations {
		metrics.CitationsMatched.WithLabelValues(strconv.FormatBool(c.IsMatched)).Inc()
		if c.IsMatched {
			metrics.CitationConfidence.Observe(c.Confidence)
		}
	}
	return resp
}

// persistAssistantMessage writes the processed reply, retrying once. The
// generated text is never silently dropped: a final failure is logged with
// enough context to recover it from the delivery log and returned to the
// caller.
func (r *Runner) persistAssistantMessage(req generator.Request, resp citations.ProcessedResponse) error {
	// Fresh context: persistence must not be starved by an exhausted turn
	// budget after a successful generation.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = r.store.SaveMessage(ctx, req.ChatID, req.UserID, "assistant", resp.Content, resp.Citations)
		if err == nil {
			metrics.MessagesPersisted.Inc()
			return nil
		}
	}

	metrics.PersistFailures.Inc()
	r.logger.Error("CRITICAL: assistant message could not be persisted",
		zap.String("chat_id", req.ChatID),
		zap.String("user_id", req.UserID),
		zap.Int("content_length", len(resp.Content)),
		zap.Int("citations", len(resp.Citations)),
		zap.Error(err))
	return fmt.Errorf("persist assistant message: %w", err)
}
