package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAppendTrims(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := m.StreamAppend(ctx, "s", []byte(fmt.Sprintf("p%d", i)), 5)
		require.NoError(t, err)
	}
	entries, err := m.StreamRange(ctx, "s", "", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, []byte("p5"), entries[0].Payload)
	assert.Equal(t, []byte("p9"), entries[4].Payload)
}

func TestStreamRevRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := m.StreamAppend(ctx, "s", []byte(fmt.Sprintf("p%d", i)), 0)
		require.NoError(t, err)
	}
	entries, err := m.StreamRevRange(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []byte("p3"), entries[0].Payload)
	assert.Equal(t, []byte("p2"), entries[1].Payload)
}

func TestGroupReadRedeliversUnacked(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.StreamAppend(ctx, "s", []byte(fmt.Sprintf("p%d", i)), 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	batches, err := m.StreamReadGroup(ctx, "g", "c1", []string{"s"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Entries, 3)

	// Ack only the first; a restarted consumer must see the other two again
	// before anything new.
	require.NoError(t, m.Ack(ctx, "s", "g", ids[0]))
	_, err = m.StreamAppend(ctx, "s", []byte("p3"), 0)
	require.NoError(t, err)

	batches, err = m.StreamReadGroup(ctx, "g", "c2", []string{"s"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Entries, 2)
	assert.Equal(t, []byte("p1"), batches[0].Entries[0].Payload)
	assert.Equal(t, []byte("p2"), batches[0].Entries[1].Payload)

	require.NoError(t, m.Ack(ctx, "s", "g", ids[1], ids[2]))
	batches, err = m.StreamReadGroup(ctx, "g", "c2", []string{"s"}, 0, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Entries, 1)
	assert.Equal(t, []byte("p3"), batches[0].Entries[0].Payload)
}

func TestGroupReadBlocksUntilData(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.StreamAppend(ctx, "s", []byte("late"), 0)
	}()

	batches, err := m.StreamReadGroup(ctx, "g", "c", []string{"s"}, 500*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []byte("late"), batches[0].Entries[0].Payload)
}

func TestPubSub(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := m.Subscribe(ctx, "ch")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Publish(ctx, "ch", []byte("hello")))
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ch", msg.Channel)
	assert.Equal(t, []byte("hello"), msg.Payload)
}

func TestKVTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.KVSet(ctx, "k", []byte("v"), 20*time.Millisecond))
	v, ok, err := m.KVGet(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = m.KVGet(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVGetMiss(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.KVGet(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAfterCloseFails(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.StreamAppend(context.Background(), "s", []byte("x"), 0)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}
