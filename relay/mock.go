package relay

import (
	"context"
	"sync"
)

// NewMockClient returns a new MockClient
func NewMockClient() *MockClient {
	return &MockClient{
		lock:        new(sync.Mutex),
		ShardCount:  make(map[string]int),
		StreamData:  make(map[string]([](map[string]interface{}))),
		WriteSignal: make(chan bool, 1024),
	}
}

// MockClient implements a client that stores the messages in memory.
// WriteSignal receives after every Put, so tests can wait for writes that
// happen on other goroutines.
type MockClient struct {
	StreamData  map[string]([](map[string]interface{}))
	ShardCount  map[string]int
	WriteSignal chan bool

	lock *sync.Mutex
}

// Put implements the client interface
func (c *MockClient) Put(ctx context.Context, stream, shardID string, data map[string]interface{}) error {
	c.lock.Lock()
	messages := c.StreamData[stream]
	c.StreamData[stream] = append(messages, data)
	c.ShardCount[shardID]++
	c.lock.Unlock()

	select {
	case c.WriteSignal <- true:
	default:
	}
	return nil
}

// Close implements the client interface
func (c *MockClient) Close(ctx context.Context) error {
	return nil
}
