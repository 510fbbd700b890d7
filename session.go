// Package ditto implements the core client runtime for a Ditto-style
// twin/policy/live WebSocket protocol client: connection lifecycle, the
// Adaptable Bus demultiplexer, the subscription/consumption protocol, and
// the Pointer Bus. Concrete JSON adapters, domain/entity models, auth
// providers, and fluent façade builders are out of scope — represented here
// only as the Adapter and AuthProvider interfaces a surrounding package
// would implement.
package ditto

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/dispatch"
	"github.com/sessionwire/ditto-go/internal/engine"
	"github.com/sessionwire/ditto-go/internal/handle"
	"github.com/sessionwire/ditto-go/internal/pointerbus"
	"github.com/sessionwire/ditto-go/internal/protocol"
	"github.com/sessionwire/ditto-go/internal/registry"
	"github.com/sessionwire/ditto-go/internal/subscription"
	"github.com/sessionwire/ditto-go/internal/transport"
)

// Session is the one type a caller constructs and drives: it assembles C1–C9
// into a running client, mirroring the teacher's main.go wiring of
// relayPool + subscriptionAggregator + logging.go into one running process,
// generalized here into a library entry point instead of a standalone
// server process.
type Session struct {
	cfg     Config
	auth    AuthProvider
	adapter Adapter

	bus         *bus.Bus
	pointer     *pointerbus.Bus
	engine      *engine.Engine
	handleBase  *handle.Base
	subs        *subscription.Manager
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
}

// NewSession validates cfg and wires together a new, unstarted Session.
// Call Initialize to connect.
func NewSession(cfg Config, adapter Adapter, auth AuthProvider) (*Session, error) {
	cfg = cfg.WithDefaults()
	endpoint, err := cfg.normalizedEndpoint()
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, auth: auth, adapter: adapter}

	s.bus = bus.New(bus.Config{Parser: adapter, Logger: cfg.Logger})
	s.pointer = pointerbus.New(pointerbus.Config{Logger: cfg.Logger})
	s.registry = registry.New()
	s.dispatcher = dispatch.New(dispatch.Config{PointerBus: s.pointer, Logger: cfg.Logger}, s.bus)

	s.engine = engine.New(engine.Config{
		Transport: transport.Config{
			Endpoint:       endpoint,
			ConnectTimeout: transport.DefaultConnectTimeout,
			UserAgent:      cfg.UserAgent,
			DeclaredAcks:   append([]string(nil), cfg.DeclaredAcks...),
			AuthHeader:     s.injectAuthHeader,
			Logger:         cfg.Logger,
		},
		ReconnectEnabled:       cfg.ReconnectEnabledOrDefault(),
		InitialConnectRetry:    cfg.InitialConnectRetryEnabled,
		ReconnectDelay:         cfg.ReconnectDelay,
		DisconnectedListener:   s.bridgeDisconnectedListener,
		ConnectionErrorHandler: cfg.OnConnectionError,
		Logger:                 cfg.Logger,
	}, s.bus)

	s.subs = subscription.New(subscription.Config{Bus: s.bus, Engine: s.engine})
	s.engine.SetReplay(func(ctx context.Context) {
		if err := s.subs.Replay(ctx); err != nil {
			cfg.Logger.Warn("ditto: subscription replay failed", "error", err)
		}
	})

	s.handleBase = handle.New(handle.Config{Bus: s.bus, Engine: s.engine, Adapter: adapter, Timeout: cfg.Timeout, Logger: cfg.Logger})

	return s, nil
}

func (s *Session) injectAuthHeader(header http.Header) error {
	if s.auth == nil {
		return nil
	}
	m := map[string][]string(header)
	return s.auth.Prepare(m)
}

// bridgeDisconnectedListener adapts the engine's internal
// DisconnectedContext to the public DisconnectedContext the user's
// OnDisconnected callback expects, copying the latched toggles back so the
// engine observes the user's decisions.
func (s *Session) bridgeDisconnectedListener(inner *engine.DisconnectedContext) {
	if s.cfg.OnDisconnected == nil {
		return
	}
	public := &DisconnectedContext{Source: DisconnectSource(inner.Source), Cause: inner.Cause}
	s.cfg.OnDisconnected(public)

	if public.closeChannel {
		inner.CloseChannel()
	}
	inner.PreventConfiguredReconnect(public.preventConfiguredReconnect)
	if public.performReconnect {
		inner.PerformReconnect()
	}
}

// Initialize connects the session, per spec.md §4.5's Idle → Connecting →
// Connected transition.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.engine.Initialize(ctx); err != nil {
		return translateConnectError(err)
	}
	return nil
}

// Close disconnects the session and releases the auth provider.
func (s *Session) Close(ctx context.Context) error {
	s.engine.Close()
	if s.auth != nil {
		s.auth.Destroy()
	}
	return nil
}

// Emit sends a pre-built text frame through the Connection Engine, failing
// with ErrReconnecting while the engine is Reconnecting.
func (s *Session) Emit(text string) error {
	if err := s.engine.Emit(text); err != nil {
		return ErrReconnecting
	}
	return nil
}

// SendAndExpect implements spec.md §4.6's request/response primitive.
func (s *Session) SendAndExpect(ctx context.Context, req handle.Request) (any, error) {
	result, err := s.handleBase.SendAndExpect(ctx, req)
	if err != nil {
		return nil, translateHandleError(err)
	}
	return result, nil
}

// StartSubscription implements spec.md §4.7's start(name, start_cmd,
// ack_tag, params).
func (s *Session) StartSubscription(ctx context.Context, name, startCmd, stopCmd, ackTag string, params map[string]string) error {
	if err := s.subs.Start(ctx, name, startCmd, stopCmd, ackTag, params); err != nil {
		return translateSubscriptionError(err)
	}
	return nil
}

// StopSubscription implements spec.md §4.7's stop(name, stop_cmd, ack_tag).
func (s *Session) StopSubscription(ctx context.Context, name, ackTag string) error {
	if err := s.subs.Stop(ctx, name, ackTag); err != nil {
		return translateSubscriptionError(err)
	}
	return nil
}

// OnChange registers handler for change notifications matching selector on
// the Pointer Bus, deduplicated by registrationID via the Handler Registry
// (C9), per spec.md §4.9.
func (s *Session) OnChange(registrationID, selector string, handler ChangeHandler) error {
	reg := s.pointer.On(selector, func(params map[string]string, event pointerbus.Event) {
		change, ok := event.(protocol.Change)
		if !ok {
			return
		}
		change.Params = params
		handler(change)
	})
	if err := s.registry.Register(registrationID, reg); err != nil {
		reg.Cancel()
		return ErrDuplicateRegistrationID
	}
	return nil
}

// OffChange removes a previously registered change handler. Returns false if
// registrationID was never registered.
func (s *Session) OffChange(registrationID string) bool {
	return s.registry.Deregister(registrationID)
}

// Subscriptions returns the names of all currently active streaming
// subscriptions, per spec.md §4.7.
func (s *Session) Subscriptions() []string { return s.subs.Names() }

// Changes returns a channel every dispatched Change is published to,
// regardless of any OnChange selector registration, per spec.md §4.9. The
// channel is bounded; while it is full (a slow or absent reader), newly
// dispatched changes are dropped rather than block protocol processing.
func (s *Session) Changes() <-chan Change { return s.dispatcher.Changes() }

func translateConnectError(err error) error {
	var authErr *transport.AuthError
	if errors.As(err, &authErr) {
		return &AuthError{Kind: AuthErrorKind(authErr.Kind), Status: authErr.Status, Reason: authErr.Reason}
	}
	var connErr *transport.ConnectError
	if errors.As(err, &connErr) {
		return &ConnectError{Kind: ConnectErrorKind(connErr.Kind), Cause: connErr.Cause}
	}
	return fmt.Errorf("ditto: connect failed: %w", err)
}

func translateHandleError(err error) error {
	if errors.Is(err, handle.ErrReconnecting) {
		return ErrReconnecting
	}
	if errors.Is(err, bus.ErrTimeout) {
		return ErrTimeout
	}

	var mismatch *handle.TypeMismatchError
	if errors.As(err, &mismatch) {
		return &TypeMismatchError{Expected: fmt.Sprintf("%T", mismatch.Expected), Actual: fmt.Sprintf("%T", mismatch.Actual)}
	}

	var failed *handle.AcknowledgementsFailedError
	if errors.As(err, &failed) {
		entries := make([]AcknowledgementEntry, len(failed.Entries))
		for i, e := range failed.Entries {
			entries[i] = AcknowledgementEntry{Label: e.Label, Status: e.Status, Body: e.Body}
		}
		return &AcknowledgementsFailedError{Entries: entries}
	}

	return err
}

func translateSubscriptionError(err error) error {
	if errors.Is(err, subscription.ErrConcurrentConsumptionRequest) {
		return ErrConcurrentConsumptionRequest
	}
	if errors.Is(err, bus.ErrAlreadySubscribed) {
		return ErrExclusiveSubscriptionTaken
	}
	if errors.Is(err, bus.ErrTimeout) {
		return ErrTimeout
	}
	return err
}
