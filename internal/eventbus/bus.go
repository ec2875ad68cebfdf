package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names an event stream on the bus.
type Topic string

const (
	// TopicQuotaUpdated fires after any API exchange that carried
	// fresh rate-limit headers.
	TopicQuotaUpdated Topic = "quota.updated"

	// TopicScheduleChanged fires when the poll scheduler picks a new
	// interval or protective status.
	TopicScheduleChanged Topic = "schedule.changed"

	// TopicPollCompleted fires after every poll cycle, manual or
	// scheduled, successful or not.
	TopicPollCompleted Topic = "poll.completed"

	// TopicCommandCompleted fires once per intent after its batch was
	// dispatched.
	TopicCommandCompleted Topic = "command.completed"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 256
)

// Event is one occurrence delivered to subscribers. Data holds only
// JSON-friendly values so sinks can forward it without conversion.
type Event struct {
	Topic Topic
	At    time.Time
	Data  map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool. Delivery is
// best-effort: a full queue drops the event rather than stalling the
// publisher, which may be holding the dispatch lock.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	// Closing this channel signals publishers to stop. A channel in a
	// select is race-free, unlike mutex + bool.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	b := &Bus{
		handlers:  make(map[Topic][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("topic", string(w.event.Topic)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish fans an event out to every subscriber of its topic.
// Non-blocking: if the work queue is full or the bus is closing, the
// event is dropped with a warning.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	handlers := b.handlers[event.Topic]
	b.mu.RUnlock()

	for _, handler := range handlers {
		select {
		case <-b.closing:
			log.Warn().Str("topic", string(event.Topic)).Msg("Event bus closing, dropping event")
			return
		case b.workQueue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			log.Warn().
				Str("topic", string(event.Topic)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the work queue and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
	})

	// No new sends after closing is signaled, so the queue can close.
	close(b.workQueue)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[Topic][]Handler)
}
