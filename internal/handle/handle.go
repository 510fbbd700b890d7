// Package handle implements Handle Base (C6): the request/response primitive
// that allocates a correlation id, registers a one-shot wait on the
// Adaptable Bus, emits the request through the Connection Engine, and
// resolves success/error/type-mismatch branches against the response, per
// spec.md §4.6.
//
// No direct one-shot-future analog exists in the teacher (which only streams
// events), but the channel-plus-Done-channel shape of relay_pool.go's
// Subscription{EventChan, EOSEChan, Done} is generalized here into a single-
// value future backed by a deadline timer.
package handle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/protocol"
)

// DefaultTimeout matches spec.md §6's configuration default (60s) for
// request/response correlation.
const DefaultTimeout = 60 * time.Second

// Server-only headers stripped when a request is redirected to the live
// channel, per spec.md §4.6's "channel adjustment".
const (
	headerReadSubjects     = protocol.HeaderReadSubjects
	headerAuthorizationCtx = protocol.HeaderAuthorizationCtx
	headerResponseRequired = protocol.HeaderResponseRequired
)

// Emitter sends text frames through the Connection Engine. Implemented by
// engine.Engine; kept as a narrow interface here so handle never imports
// engine (engine already depends on bus, and handle sits above both).
type Emitter interface {
	Emit(text string) error
}

// Adapter is the subset of ditto.Adapter Handle Base needs: translating a
// request signal to/from wire form.
type Adapter interface {
	ToAdaptable(signal any) (protocol.Adaptable, error)
	FromAdaptable(a protocol.Adaptable) (any, error)
	ToJSONString(a protocol.Adaptable) (string, error)
}

// Base is Handle Base (C6).
type Base struct {
	bus     *bus.Bus
	engine  Emitter
	adapter Adapter
	timeout time.Duration
	logger  *slog.Logger
}

// Config configures a new Base.
type Config struct {
	Bus     *bus.Bus
	Engine  Emitter
	Adapter Adapter
	Timeout time.Duration
	Logger  *slog.Logger
}

// New constructs a Base.
func New(cfg Config) *Base {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{bus: cfg.Bus, engine: cfg.Engine, adapter: cfg.Adapter, timeout: timeout, logger: logger}
}

// withCorrelationID returns logger annotated with the request's correlation
// id, the way the teacher's LoggerFromContext attaches a request id to every
// log line for a single HTTP request.
func withCorrelationID(logger *slog.Logger, correlationID string) *slog.Logger {
	if correlationID == "" {
		return logger
	}
	return logger.With("correlation_id", correlationID)
}

// AcknowledgementEntry mirrors an entry of an Aggregated Acknowledgements
// response (spec.md §4.6 step 4).
type AcknowledgementEntry struct {
	Label  string
	Status int
	Body   []byte
}

// AggregatedAcknowledgements is the shape Handle Base branches on when a
// response deserializes to the acknowledgements signal.
type AggregatedAcknowledgements struct {
	Entries []AcknowledgementEntry
}

// AcknowledgementsFailedError carries every entry (failed or not) of an
// aggregated acknowledgements response that contained at least one failed
// entry, per spec.md §7.
type AcknowledgementsFailedError struct {
	Entries []AcknowledgementEntry
}

func (e *AcknowledgementsFailedError) Error() string {
	failed := 0
	for _, entry := range e.Entries {
		if entry.Status >= 400 {
			failed++
		}
	}
	return fmt.Sprintf("handle: %d acknowledgement(s) failed", failed)
}

// TypeMismatchError is returned when a response deserializes to neither the
// expected success nor error type.
type TypeMismatchError struct {
	Expected any
	Actual   any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("handle: unexpected response type %T, want %T", e.Actual, e.Expected)
}

// ErrReconnecting is returned when emit fails because the engine is
// reconnecting; the caller's future fails immediately rather than blocking
// for the timeout.
var ErrReconnecting = errors.New("handle: client is reconnecting")

// Request describes a send_and_expect call per spec.md §4.6.
type Request struct {
	Signal      any
	Channel     protocol.Channel
	ExpectedAck string // the "expected response ack label" for aggregated-ack responses, e.g. "twin-persisted"

	SuccessType any // zero value of the expected success type, used only for its dynamic type
	OnSuccess   func(any) (any, error)

	ErrorType any // zero value of the expected error type, used only for its dynamic type
	OnError   func(any) error
}

// SendAndExpect implements spec.md §4.6's send_and_expect.
func (b *Base) SendAndExpect(ctx context.Context, req Request) (any, error) {
	adaptable, err := b.adapter.ToAdaptable(req.Signal)
	if err != nil {
		return nil, fmt.Errorf("handle: converting signal to adaptable: %w", err)
	}

	if adaptable.CorrelationID() == "" {
		adaptable = adaptable.WithHeader(protocol.HeaderCorrelationID, uuid.NewString())
	}

	if req.Channel == protocol.ChannelLive {
		adaptable = adaptable.WithHeader(protocol.HeaderChannel, string(protocol.ChannelLive))
		adaptable = adaptable.WithoutHeaders(headerReadSubjects, headerAuthorizationCtx, headerResponseRequired)
	}

	correlationID := adaptable.CorrelationID()
	log := withCorrelationID(b.logger, correlationID)

	resultCh, err := b.bus.SubscribeOnceForAdaptable(ctx, correlationID, b.timeout)
	if err != nil {
		return nil, fmt.Errorf("handle: registering correlation wait: %w", err)
	}

	text, err := b.adapter.ToJSONString(adaptable)
	if err != nil {
		return nil, fmt.Errorf("handle: serializing adaptable: %w", err)
	}

	if err := b.engine.Emit(text); err != nil {
		log.Warn("handle: emit rejected, engine is reconnecting")
		return nil, fmt.Errorf("handle: %w", ErrReconnecting)
	}

	select {
	case res := <-resultCh:
		if res.Err != nil {
			log.Warn("handle: correlation wait failed", "error", res.Err)
			return nil, res.Err
		}
		return b.resolve(req, res.Value)
	case <-ctx.Done():
		log.Warn("handle: send_and_expect canceled", "error", ctx.Err())
		return nil, ctx.Err()
	}
}

func (b *Base) resolve(req Request, response protocol.Adaptable) (any, error) {
	decoded, err := b.adapter.FromAdaptable(response)
	if err != nil {
		return nil, fmt.Errorf("handle: decoding response: %w", err)
	}

	if acks, ok := decoded.(AggregatedAcknowledgements); ok {
		return b.resolveAcknowledgements(req, acks)
	}

	if req.ErrorType != nil && sameType(decoded, req.ErrorType) {
		if req.OnError != nil {
			return nil, req.OnError(decoded)
		}
		return nil, fmt.Errorf("handle: error response: %v", decoded)
	}

	if req.SuccessType != nil && sameType(decoded, req.SuccessType) {
		if req.OnSuccess != nil {
			return req.OnSuccess(decoded)
		}
		return decoded, nil
	}

	return nil, &TypeMismatchError{Expected: req.SuccessType, Actual: decoded}
}

func (b *Base) resolveAcknowledgements(req Request, acks AggregatedAcknowledgements) (any, error) {
	hasFailure := false
	for _, entry := range acks.Entries {
		if entry.Status >= 400 {
			hasFailure = true
			break
		}
	}
	if hasFailure {
		return nil, &AcknowledgementsFailedError{Entries: acks.Entries}
	}

	for _, entry := range acks.Entries {
		if entry.Label == req.ExpectedAck {
			if req.OnSuccess != nil {
				return req.OnSuccess(entry)
			}
			return entry, nil
		}
	}
	return nil, &TypeMismatchError{Expected: req.ExpectedAck, Actual: acks}
}

func sameType(a, b any) bool {
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}
