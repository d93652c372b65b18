package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/postmates/go-dynastream/dynastream"
)

type received struct {
	stream  string
	shardID string
	data    map[string]interface{}
}

func TestPut(t *testing.T) {
	got := make(chan received, 16)
	gConsumer.setCallback(func(stream, shardID string, data map[string]interface{}) {
		got <- received{stream, shardID, data}
	})
	defer gConsumer.setCallback(nil)

	c, err := NewClient()
	assert.NoError(t, err)

	data := map[string]interface{}{
		"event_name":      "INSERT",
		"sequence_number": "101",
	}
	assert.NoError(t, c.Put(context.Background(), "orders", "shardId-0000", data))

	select {
	case m := <-got:
		assert.Equal(t, "orders", m.stream)
		assert.Equal(t, "shardId-0000", m.shardID)
		assert.Equal(t, "INSERT", m.data["event_name"])
		assert.Equal(t, "101", m.data["sequence_number"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	assert.NoError(t, c.Close(ctx))
	cancel()
}

func TestPutRecord(t *testing.T) {
	got := make(chan received, 16)
	gConsumer.setCallback(func(stream, shardID string, data map[string]interface{}) {
		got <- received{stream, shardID, data}
	})
	defer gConsumer.setCallback(nil)

	c, err := NewClient()
	assert.NoError(t, err)

	rec := &dynastream.Record{
		ShardID:                 "shardId-0001",
		SequenceNumber:          "202",
		EventID:                 "evt-202",
		EventName:               "MODIFY",
		ApproximateCreationTime: time.Date(2020, 1, 29, 10, 0, 0, 0, time.UTC),
	}
	assert.NoError(t, PutRecord(context.Background(), c, "orders", rec))

	select {
	case m := <-got:
		assert.Equal(t, "orders", m.stream)
		assert.Equal(t, "shardId-0001", m.shardID)
		assert.Equal(t, "202", m.data["sequence_number"])
		assert.Equal(t, "MODIFY", m.data["event_name"])
		assert.Equal(t, "evt-202", m.data["event_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no message arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	assert.NoError(t, c.Close(ctx))
	cancel()
}

func TestPutAfterClose(t *testing.T) {
	c, err := NewClient()
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	assert.NoError(t, c.Close(ctx))
	cancel()

	err = c.Put(context.Background(), "orders", "shardId-0000", map[string]interface{}{})
	assert.Equal(t, ErrClientClosed, err)
}
