// Package bus implements the Adaptable Bus (C3): a demultiplexer from one
// inbound text-frame stream onto one-shot string/correlation-id futures and
// long-lived streaming-type subscribers, per spec.md §4.3.
//
// Grounded on the teacher's per-connection subscriptions map plus readLoop
// dispatch switch in relay_pool.go (EVENT/EOSE/CLOSED/NOTICE demultiplexed by
// subscription id): we generalize that flat id-keyed dispatch into the
// three-way classification spec.md requires, and use the same
// sync.Once-guarded idempotent completion the teacher uses for
// Subscription.Close to make one-shot timeout-vs-delivery races safe.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionwire/ditto-go/internal/protocol"
)

// Parser turns a raw text frame into an Adaptable. Implemented by the
// external JSON Protocol Adapter (ditto.Adapter.Parse); the bus never
// inspects payloads itself.
type Parser interface {
	Parse(text string) (protocol.Adaptable, error)
}

// SubscriptionID is an opaque, monotonically generated handle returned by
// Subscribe calls, used to Unsubscribe without protocol traffic.
type SubscriptionID uint64

type kind int

const (
	kindCorrelation kind = iota
	kindProtocolString
	kindStreaming
)

// streamingSub is a long-lived subscriber for a StreamingType class.
type streamingSub struct {
	id      SubscriptionID
	typ     protocol.StreamingType
	handler func(protocol.Adaptable)
}

// oneShot is a one-shot subscriber: either a CorrelationId or a
// ProtocolString match. complete is called at most once, guarded by once.
type oneShot struct {
	id        SubscriptionID
	key       string
	k         kind
	once      sync.Once
	timer     *time.Timer
	complete  func(text string, a protocol.Adaptable, ok bool)
}

// Bus is the Adaptable Bus (C3).
type Bus struct {
	parser Parser
	logger *slog.Logger

	mu           sync.Mutex
	nextID       uint64
	correlations map[string]*oneShot
	strings      map[string]*oneShot
	streaming    map[SubscriptionID]*streamingSub
}

// Config configures a new Bus.
type Config struct {
	Parser Parser
	Logger *slog.Logger
}

// New constructs a Bus. parser must be non-nil.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		parser:       cfg.Parser,
		logger:       logger,
		correlations: make(map[string]*oneShot),
		strings:      make(map[string]*oneShot),
		streaming:    make(map[SubscriptionID]*streamingSub),
	}
}

func (b *Bus) allocID() SubscriptionID {
	return SubscriptionID(atomic.AddUint64(&b.nextID, 1))
}

// SubscribeForAdaptable registers a long-lived streaming-type subscriber.
// Matches spec.md §4.3's subscribe_for_adaptable.
func (b *Bus) SubscribeForAdaptable(typ protocol.StreamingType, handler func(protocol.Adaptable)) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.allocID()
	b.streaming[id] = &streamingSub{id: id, typ: typ, handler: handler}
	return id
}

// SubscribeOnceForAdaptable registers a one-shot future keyed on
// correlation-id, completed with the matching Adaptable or failed with
// ErrTimeout after timeout elapses. Matches subscribe_once_for_adaptable.
func (b *Bus) SubscribeOnceForAdaptable(ctx context.Context, correlationID string, timeout time.Duration) (<-chan Result[protocol.Adaptable], error) {
	return subscribeOnceAdaptable(b, correlationID, timeout)
}

// SubscribeOnceForString registers a one-shot future keyed on an exact
// protocol string tag (e.g. "START-SEND-EVENTS:ACK").
func (b *Bus) SubscribeOnceForString(tag string, timeout time.Duration) (<-chan Result[string], error) {
	return subscribeOnceString(b, tag, timeout, false)
}

// SubscribeOnceForStringExclusively is like SubscribeOnceForString but fails
// immediately with ErrAlreadySubscribed if another subscriber for tag already
// exists (used for the :ACK tags spec.md's invariant §3 guards).
func (b *Bus) SubscribeOnceForStringExclusively(tag string, timeout time.Duration) (<-chan Result[string], error) {
	return subscribeOnceString(b, tag, timeout, true)
}

// Result carries either a delivered value or a terminal error (ErrTimeout,
// ErrAlreadySubscribed never appears here — it's returned synchronously).
type Result[T any] struct {
	Value T
	Err   error
}

func subscribeOnceAdaptable(b *Bus, correlationID string, timeout time.Duration) (<-chan Result[protocol.Adaptable], error) {
	ch := make(chan Result[protocol.Adaptable], 1)

	b.mu.Lock()
	if _, exists := b.correlations[correlationID]; exists {
		b.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	id := b.allocID()
	os := &oneShot{id: id, key: correlationID, k: kindCorrelation}
	os.complete = func(_ string, a protocol.Adaptable, ok bool) {
		os.once.Do(func() {
			b.mu.Lock()
			delete(b.correlations, correlationID)
			b.mu.Unlock()
			if os.timer != nil {
				os.timer.Stop()
			}
			if !ok {
				ch <- Result[protocol.Adaptable]{Err: ErrTimeout}
			} else {
				ch <- Result[protocol.Adaptable]{Value: a}
			}
			close(ch)
		})
	}
	os.timer = time.AfterFunc(timeout, func() { os.complete("", protocol.Adaptable{}, false) })
	b.correlations[correlationID] = os
	b.mu.Unlock()

	return ch, nil
}

func subscribeOnceString(b *Bus, tag string, timeout time.Duration, exclusive bool) (<-chan Result[string], error) {
	ch := make(chan Result[string], 1)

	b.mu.Lock()
	if _, exists := b.strings[tag]; exists && exclusive {
		b.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	id := b.allocID()
	os := &oneShot{id: id, key: tag, k: kindProtocolString}
	os.complete = func(text string, _ protocol.Adaptable, ok bool) {
		os.once.Do(func() {
			b.mu.Lock()
			delete(b.strings, tag)
			b.mu.Unlock()
			if os.timer != nil {
				os.timer.Stop()
			}
			if !ok {
				ch <- Result[string]{Err: ErrTimeout}
			} else {
				ch <- Result[string]{Value: text}
			}
			close(ch)
		})
	}
	os.timer = time.AfterFunc(timeout, func() { os.complete("", protocol.Adaptable{}, false) })
	b.strings[tag] = os
	b.mu.Unlock()

	return ch, nil
}

// Unsubscribe removes a streaming subscription. One-shot subscriptions remove
// themselves on completion/timeout and are not addressable here. Returns
// false if id was not a registered streaming subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streaming[id]; ok {
		delete(b.streaming, id)
		return true
	}
	return false
}

// Publish is the entry point from the Connection Engine / transport
// callback: it runs the demultiplex steps of spec.md §4.3 in order.
func (b *Bus) Publish(text string) {
	// 1. Exact-string match against registered ProtocolString one-shots.
	b.mu.Lock()
	if os, ok := b.strings[text]; ok {
		b.mu.Unlock()
		os.complete(text, protocol.Adaptable{}, true)
		return
	}
	b.mu.Unlock()

	// 2. Parse as adaptable; log-and-discard on failure.
	a, err := b.parser.Parse(text)
	if err != nil {
		b.logger.Debug("bus: discarding unparsable frame", "error", err)
		return
	}

	// 3. Offer to streaming subscribers matching the classification.
	typ := protocol.Classify(a)
	if typ != protocol.StreamingTypeUnknown {
		b.mu.Lock()
		handlers := make([]func(protocol.Adaptable), 0, len(b.streaming))
		for _, s := range b.streaming {
			if s.typ == typ {
				handlers = append(handlers, s.handler)
			}
		}
		b.mu.Unlock()
		for _, h := range handlers {
			safeCall(b.logger, h, a)
		}
	}

	// 4. Correlation-id one-shot completion.
	if cid := a.CorrelationID(); cid != "" {
		b.mu.Lock()
		os, ok := b.correlations[cid]
		b.mu.Unlock()
		if ok {
			os.complete("", a, true)
		}
	}
}

// safeCall invokes a streaming handler, recovering and logging a panic so one
// misbehaving handler never takes down frame dispatch for the others —
// matching spec.md §4.3 "if a handler throws/fails, the error is logged;
// other handlers for the same frame still run".
func safeCall(logger *slog.Logger, h func(protocol.Adaptable), a protocol.Adaptable) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("bus: streaming handler panicked", "panic", r)
		}
	}()
	h(a)
}
