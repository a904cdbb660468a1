package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoSubscriber is returned by Publish when nothing is listening on the
// topic. The aggregator treats it as "client gone, stop the turn".
var ErrNoSubscriber = errors.New("streaming: no subscriber on topic")

const defaultRingCapacity = 256

// seqKeyTTL bounds how long a dead topic's sequence counter survives in
// Redis. Refreshed on every publish, so active topics never lose their
// counter mid-conversation.
const seqKeyTTL = 24 * time.Hour

// Broker is the pub/sub realization of the delivery channel: events go
// through Redis so any process holding the client's connection receives them.
// Each process keeps a per-topic ring of recently seen envelopes for
// last_event_id replay.
type Broker struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[string]*topicSub
	history     map[string]*ring
	capacity    int

	closed bool
}

type topicSub struct {
	pubsub *redis.PubSub
	chans  map[chan Envelope]struct{}
	cancel context.CancelFunc
}

// NewBroker creates a broker over an existing Redis client. The client's
// lifecycle belongs to the caller.
func NewBroker(rdb *redis.Client, logger *zap.Logger) *Broker {
	return &Broker{
		rdb:         rdb,
		logger:      logger,
		subscribers: make(map[string]*topicSub),
		history:     make(map[string]*ring),
		capacity:    defaultRingCapacity,
	}
}

// SetRingCapacity adjusts replay depth for rings created after the call.
func (b *Broker) SetRingCapacity(n int) {
	if n <= 0 {
		return
	}
	b.mu.Lock()
	b.capacity = n
	b.mu.Unlock()
}

// Publish assigns the next sequence number and broadcasts the event on the
// topic. Returns ErrNoSubscriber when no process is listening.
func (b *Broker) Publish(ctx context.Context, topic string, ev Event) error {
	payload, err := MarshalEvent(ev)
	if err != nil {
		return err
	}
	var incr *redis.IntCmd
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, seqKey(topic))
		pipe.Expire(ctx, seqKey(topic), seqKeyTTL)
		return nil
	})
	if err != nil {
		return err
	}
	env := Envelope{Topic: topic, Seq: uint64(incr.Val()), Event: payload}
	receivers, err := b.rdb.Publish(ctx, channelName(topic), env.Marshal()).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoSubscriber
	}
	return nil
}

// Subscribe returns a buffered channel of envelopes for the topic. The caller
// must drain it and call Unsubscribe when done. The first subscriber for a
// topic opens the underlying Redis subscription.
func (b *Broker) Subscribe(topic string, buffer int) chan Envelope {
	ch := make(chan Envelope, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	sub := b.subscribers[topic]
	if sub == nil {
		ctx, cancel := context.WithCancel(context.Background())
		sub = &topicSub{
			pubsub: b.rdb.Subscribe(ctx, channelName(topic)),
			chans:  make(map[chan Envelope]struct{}),
			cancel: cancel,
		}
		b.subscribers[topic] = sub
		go b.pump(ctx, topic, sub.pubsub)
	}
	sub.chans[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the channel; the last unsubscribe for a
// topic tears down the Redis subscription.
func (b *Broker) Unsubscribe(topic string, ch chan Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subscribers[topic]
	if sub == nil {
		return
	}
	if _, ok := sub.chans[ch]; !ok {
		return
	}
	delete(sub.chans, ch)
	close(ch)
	if len(sub.chans) == 0 {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(b.subscribers, topic)
	}
}

// ReplaySince returns buffered envelopes with Seq > since, best-effort within
// ring capacity.
func (b *Broker) ReplaySince(topic string, since uint64) []Envelope {
	b.mu.RLock()
	rg := b.history[topic]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Ping reports broker liveness for the health endpoint.
func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close tears down all subscriptions. Publish on a closed broker fails at the
// Redis layer; the shared client is closed by the owner, not here.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, sub := range b.subscribers {
		sub.cancel()
		_ = sub.pubsub.Close()
		for ch := range sub.chans {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}

// pump moves messages from the Redis subscription into local channels and the
// replay ring. Slow subscribers drop rather than block the pump.
func (b *Broker) pump(ctx context.Context, topic string, pubsub *redis.PubSub) {
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env Envelope
			if err := unmarshalEnvelope([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("Dropping malformed envelope",
					zap.String("topic", topic),
					zap.Error(err))
				continue
			}
			b.mu.Lock()
			rg := b.history[topic]
			if rg == nil {
				rg = newRing(b.capacity)
				b.history[topic] = rg
			}
			rg.push(env)
			sub := b.subscribers[topic]
			var chans []chan Envelope
			if sub != nil {
				for ch := range sub.chans {
					chans = append(chans, ch)
				}
			}
			b.mu.Unlock()
			for _, ch := range chans {
				select {
				case ch <- env:
				default:
					// Drop if subscriber is slow.
				}
			}
		}
	}
}

func channelName(topic string) string { return "sumanize:events:" + topic }

func seqKey(topic string) string { return "sumanize:seq:" + topic }

func unmarshalEnvelope(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

// ring is a fixed-capacity ring buffer of envelopes.
type ring struct {
	buf   []Envelope
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Envelope, capacity)} }

func (r *ring) push(e Envelope) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Envelope {
	if r.count == 0 {
		return nil
	}
	out := make([]Envelope, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
