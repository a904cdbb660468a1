package streaming

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/citations"
	"github.com/kalviumcommunity/sumanize/internal/generator"
	"github.com/kalviumcommunity/sumanize/internal/metrics"
)

// Publisher is the delivery side the aggregator writes into. Both transport
// realizations (Redis broker, WebSocket hub) implement it.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// TurnResult is the aggregator's handoff on clean completion: the full
// accumulated text before citation processing.
type TurnResult struct {
	Content     string
	TotalChunks int
}

// Aggregator consumes one turn's delta stream, republishing chunks in arrival
// order while accumulating the full text. Strictly sequential per turn:
// chunk N is appended and published before chunk N+1 is read.
type Aggregator struct {
	pub    Publisher
	logger *zap.Logger
}

func NewAggregator(pub Publisher, logger *zap.Logger) *Aggregator {
	return &Aggregator{pub: pub, logger: logger}
}

// Run drains deltas until the stream closes, fails, or ctx expires.
//
// Failure modes:
//   - generator error: an error event is published, the accumulator is
//     discarded, and the generator's error is returned;
//   - chunk publish failure: the turn is abandoned (ErrNoSubscriber or the
//     transport error wrapped); no point accumulating for a dead client;
//   - ctx done: an error event is published and ctx.Err() returned.
func (a *Aggregator) Run(ctx context.Context, topic string, deltas <-chan generator.Delta) (TurnResult, error) {
	var buf strings.Builder
	chunkIndex := 0

	for {
		select {
		case <-ctx.Done():
			a.publishError(topic, "Response timed out", ctx.Err().Error())
			return TurnResult{}, ctx.Err()

		case delta, ok := <-deltas:
			if !ok {
				return TurnResult{Content: buf.String(), TotalChunks: chunkIndex}, nil
			}
			if delta.Err != nil {
				a.publishError(topic, "Failed to generate response", delta.Err.Error())
				return TurnResult{}, fmt.Errorf("generator stream: %w", delta.Err)
			}
			if delta.Text == "" {
				continue
			}
			buf.WriteString(delta.Text)
			chunkIndex++
			if err := a.pub.Publish(ctx, topic, ChunkEvent{Text: delta.Text, ChunkIndex: chunkIndex}); err != nil {
				a.logger.Info("Subscriber gone mid-turn, abandoning stream",
					zap.String("topic", topic),
					zap.Int("chunks_sent", chunkIndex-1),
					zap.Error(err))
				return TurnResult{}, fmt.Errorf("publish chunk %d: %w", chunkIndex, err)
			}
			metrics.ChunksPublished.Inc()
		}
	}
}

// Complete publishes the final event for a processed turn. Delivery here is
// best-effort: the message is already persisted, a dead live view only means
// the client reconciles via replay on reconnect.
func (a *Aggregator) Complete(ctx context.Context, topic string, resp citations.ProcessedResponse, totalChunks int) {
	ev := CompleteEvent{
		Content:      resp.Content,
		Citations:    resp.Citations,
		HasCitations: resp.HasCitations,
		TotalChunks:  totalChunks,
	}
	if err := a.pub.Publish(ctx, topic, ev); err != nil {
		a.logger.Warn("Failed to deliver complete event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func (a *Aggregator) publishError(topic, msg, details string) {
	// Detached context: the turn context may already be cancelled.
	if err := a.pub.Publish(context.Background(), topic, ErrorEvent{Error: msg, Details: details}); err != nil {
		a.logger.Warn("Failed to deliver error event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}
