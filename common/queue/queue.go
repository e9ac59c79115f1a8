package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redisx "github.com/flumeworks/flume/common/redis"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Queue interface for message passing
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryQueue is an in-process queue for single-node deployments
type MemoryQueue struct {
	topics map[string]chan *Message
	mu     sync.RWMutex
	log    Logger
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

// Publish publishes a message to a topic
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, exists := q.topics[topic]
	if !exists {
		ch = make(chan *Message, 1000) // Buffered channel
		q.topics[topic] = ch
	}

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Channel full, log warning
		q.log.Warn("queue full", "topic", topic)
		return nil
	}
}

// Subscribe subscribes to a topic and processes messages
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	ch, exists := q.topics[topic]
	if !exists {
		ch = make(chan *Message, 1000)
		q.topics[topic] = ch
	}
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	q.topics = make(map[string]chan *Message)

	return nil
}

const (
	listPrefix = "flume:queue:"
	popTimeout = time.Second
)

// envelope is the wire format for RedisQueue list elements.
type envelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// RedisQueue is a durable queue over Redis lists. Publish RPUSHes onto a
// per-topic list; each subscriber BLPOPs in its own goroutine, so messages
// survive process restarts and each one is handed to a single subscriber.
type RedisQueue struct {
	client *redisx.Client
	log    Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisQueue creates a queue backed by Redis lists
func NewRedisQueue(client *redisx.Client, log Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		log:    log,
	}
}

// Publish appends a message to the topic's list
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	payload, err := json.Marshal(envelope{Key: key, Value: message})
	if err != nil {
		return err
	}
	return q.client.PushToList(ctx, listPrefix+topic, payload)
}

// Subscribe starts a consumer goroutine that pops messages off the topic's
// list until ctx is cancelled or Close is called.
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	subCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancels = append(q.cancels, cancel)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			vals, err := q.client.BlockingPopList(subCtx, popTimeout, listPrefix+topic)
			if subCtx.Err() != nil {
				q.log.Info("subscription cancelled", "topic", topic)
				return
			}
			if err != nil {
				q.log.Error("queue pop failed", "topic", topic, "error", err)
				select {
				case <-subCtx.Done():
					q.log.Info("subscription cancelled", "topic", topic)
					return
				case <-time.After(popTimeout):
				}
				continue
			}
			if len(vals) < 2 {
				// Pop timed out with nothing queued; poll again.
				continue
			}

			var env envelope
			if err := json.Unmarshal([]byte(vals[1]), &env); err != nil {
				q.log.Error("dropping malformed queue message", "topic", topic, "error", err)
				continue
			}
			if err := handler(subCtx, env.Key, env.Value); err != nil {
				q.log.Error("message handler error", "topic", topic, "key", env.Key, "error", err)
			}
		}
	}()

	return nil
}

// Close stops all subscriber goroutines and waits for them to drain
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	for _, cancel := range q.cancels {
		cancel()
	}
	q.cancels = nil
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
