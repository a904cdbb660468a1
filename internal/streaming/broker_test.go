package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewBroker(rdb, zap.NewNop())
	t.Cleanup(b.Close)
	return b, mr
}

// publishWhenSubscribed retries until the Redis subscription is registered.
// The SUBSCRIBE command completes asynchronously from Subscribe returning.
func publishWhenSubscribed(t *testing.T, b *Broker, topic string, ev Event) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := b.Publish(context.Background(), topic, ev)
		if err == nil {
			return
		}
		if err != ErrNoSubscriber || time.Now().After(deadline) {
			require.NoError(t, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receiveEnvelope(t *testing.T, ch chan Envelope) Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed before envelope arrived")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestBrokerPublishWithoutSubscriber(t *testing.T) {
	b, _ := newTestBroker(t)

	err := b.Publish(context.Background(), "u:c", ChunkEvent{Text: "hi", ChunkIndex: 1})
	assert.ErrorIs(t, err, ErrNoSubscriber)
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b, _ := newTestBroker(t)

	ch := b.Subscribe("user1:chat1", 8)
	defer b.Unsubscribe("user1:chat1", ch)

	publishWhenSubscribed(t, b, "user1:chat1", ChunkEvent{Text: "hello", ChunkIndex: 1})

	env := receiveEnvelope(t, ch)
	assert.Equal(t, "user1:chat1", env.Topic)
	assert.Equal(t, uint64(1), env.Seq)

	ev, err := UnmarshalEvent(env.Event)
	require.NoError(t, err)
	chunk, ok := ev.(ChunkEvent)
	require.True(t, ok)
	assert.Equal(t, "hello", chunk.Text)
	assert.Equal(t, 1, chunk.ChunkIndex)
}

func TestBrokerSequenceIncrementsPerTopic(t *testing.T) {
	b, _ := newTestBroker(t)

	ch := b.Subscribe("u:c", 8)
	defer b.Unsubscribe("u:c", ch)

	publishWhenSubscribed(t, b, "u:c", ChunkEvent{Text: "a", ChunkIndex: 1})
	require.NoError(t, b.Publish(context.Background(), "u:c", ChunkEvent{Text: "b", ChunkIndex: 2}))
	require.NoError(t, b.Publish(context.Background(), "u:c", ErrorEvent{Error: "boom"}))

	seqs := []uint64{
		receiveEnvelope(t, ch).Seq,
		receiveEnvelope(t, ch).Seq,
		receiveEnvelope(t, ch).Seq,
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestBrokerSequenceKeyExpires(t *testing.T) {
	b, mr := newTestBroker(t)

	ch := b.Subscribe("u:c", 8)
	defer b.Unsubscribe("u:c", ch)

	publishWhenSubscribed(t, b, "u:c", ChunkEvent{Text: "a", ChunkIndex: 1})

	// Without a TTL every topic ever streamed would leak a counter key.
	ttl := mr.TTL("sumanize:seq:u:c")
	assert.Greater(t, ttl, time.Duration(0), "sequence counter should expire for dead topics")
}

func TestBrokerReplaySince(t *testing.T) {
	b, _ := newTestBroker(t)

	ch := b.Subscribe("u:c", 8)
	defer b.Unsubscribe("u:c", ch)

	publishWhenSubscribed(t, b, "u:c", ChunkEvent{Text: "first", ChunkIndex: 1})
	require.NoError(t, b.Publish(context.Background(), "u:c", ChunkEvent{Text: "second", ChunkIndex: 2}))
	require.NoError(t, b.Publish(context.Background(), "u:c", ChunkEvent{Text: "third", ChunkIndex: 3}))

	// Drain so the pump has pushed everything into the ring.
	for i := 0; i < 3; i++ {
		receiveEnvelope(t, ch)
	}

	replay := b.ReplaySince("u:c", 1)
	require.Len(t, replay, 2)
	assert.Equal(t, uint64(2), replay[0].Seq)
	assert.Equal(t, uint64(3), replay[1].Seq)

	var chunk struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(replay[0].Event, &chunk))
	assert.Equal(t, "second", chunk.Text)

	assert.Empty(t, b.ReplaySince("u:c", 3))
	assert.Nil(t, b.ReplaySince("unknown:topic", 0))
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b, _ := newTestBroker(t)

	ch := b.Subscribe("u:c", 8)
	b.Unsubscribe("u:c", ch)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Double unsubscribe is a no-op.
	b.Unsubscribe("u:c", ch)
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b, _ := newTestBroker(t)

	ch1 := b.Subscribe("u:c1", 8)
	ch2 := b.Subscribe("u:c2", 8)
	b.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	// Subscribe after close hands back a closed channel.
	ch3 := b.Subscribe("u:c3", 8)
	_, ok = <-ch3
	assert.False(t, ok)
}

func TestRingWraparound(t *testing.T) {
	r := newRing(3)
	for seq := uint64(1); seq <= 5; seq++ {
		r.push(Envelope{Topic: "t", Seq: seq})
	}

	all := r.since(0)
	require.Len(t, all, 3, "ring keeps only the newest entries")
	assert.Equal(t, uint64(3), all[0].Seq)
	assert.Equal(t, uint64(5), all[2].Seq)

	assert.Len(t, r.since(4), 1)
	assert.Empty(t, r.since(5))
}
