package bus

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription buffer used when a non-positive size is requested.
const DefaultBuffer = 1

// Publisher is the outbound side of a topic.
type Publisher[T any] interface {
	Publish(msg T)
}

// Source is the inbound side of a topic.
type Source[T any] interface {
	Subscribe(buffer int) *Subscription[T]
}

// PublisherFunc adapts a plain function to the Publisher interface.
type PublisherFunc[T any] func(msg T)

func (f PublisherFunc[T]) Publish(msg T) {
	f(msg)
}

// Latched makes the topic retain its last message and replay it to every new subscriber,
// so a receiver joining after a one-shot publish still observes it.
func Latched[T any]() func(*Topic[T]) {
	return func(t *Topic[T]) {
		t.latched = true
	}
}

// WithLogger sets the logger used to report dropped messages
func WithLogger[T any](logger *slog.Logger) func(*Topic[T]) {
	return func(t *Topic[T]) {
		t.logger = logger.With(slog.String("topic", t.name))
	}
}

// Topic is an in-process publish/subscribe channel for a single message type.
// Delivery is best-effort: a subscriber whose buffer is full misses the message,
// publishers never block.
type Topic[T any] struct {
	name    string
	latched bool

	mu     sync.Mutex
	subs   map[uint64]chan T
	nextID uint64
	last   *T

	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewTopic creates a new Topic with a discard logger
func NewTopic[T any](name string, options ...func(*Topic[T])) *Topic[T] {
	t := Topic[T]{
		name:   name,
		subs:   make(map[uint64]chan T),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&t)
	}

	return &t
}

// Name returns the topic name
func (t *Topic[T]) Name() string {
	return t.name
}

// Publish delivers msg to every current subscriber without blocking.
func (t *Topic[T]) Publish(msg T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latched {
		m := msg
		t.last = &m
	}

	for id, ch := range t.subs {
		select {
		case ch <- msg:
		default:
			t.dropped.Add(1)
			t.logger.Warn("subscriber buffer full, message dropped", slog.Uint64("subscriber", id))
		}
	}
}

// Subscribe registers a new subscriber with the given buffer size. On a latched
// topic the last published message, if any, is delivered immediately.
func (t *Topic[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	if t.latched && t.last != nil {
		ch <- *t.last
	}
	t.mu.Unlock()

	return &Subscription[T]{
		C:           ch,
		unsubscribe: func() { t.unsubscribe(id) },
	}
}

// Last returns the retained message of a latched topic.
func (t *Topic[T]) Last() (msg T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last == nil {
		return msg, false
	}
	return *t.last, true
}

// Subscribers returns the number of active subscriptions
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Dropped returns the number of deliveries lost to full subscriber buffers
func (t *Topic[T]) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *Topic[T]) unsubscribe(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// Subscription is a single subscriber's view of a topic. C is closed on Unsubscribe.
type Subscription[T any] struct {
	C <-chan T

	once        sync.Once
	unsubscribe func()
}

// NewSubscription wraps a channel fed by something other than a Topic, such as a
// transport adapter. unsubscribe is called at most once.
func NewSubscription[T any](ch <-chan T, unsubscribe func()) *Subscription[T] {
	return &Subscription[T]{C: ch, unsubscribe: unsubscribe}
}

// Unsubscribe detaches the subscription from its topic. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}
