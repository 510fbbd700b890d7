// Package subscription implements the Subscription Manager (C7): owns one
// entry per declared streaming subscription name, drives its
// START-SEND-*/STOP-SEND-* start/stop lifecycle, and replays every stored
// registration verbatim after a reconnect, per spec.md §4.7.
//
// Directly grounded on subscription_aggregator.go: start/stop wrap the exact
// exclusive-ack/correlation-id pattern spec.md §4.7 describes, replacing the
// aggregator's hardcoded kind:1 REQ with the protocol's control strings. The
// subscription-pending flag is a sync/atomic.Bool, grounded on the
// aggregator's running bool guarded by a.mu (here made lock-free since it's
// the only piece of shared state guarding a single concurrency bound). That
// same flag is a global gate held for the whole of Start/Stop, so a
// per-name singleflight.Group in front of it would never see two concurrent
// callers for the same name (the second is always rejected with
// ErrConcurrentConsumptionRequest before it could reach the group) — dropped
// rather than kept as a decorative wrapper.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sessionwire/ditto-go/internal/bus"
)

// DefaultAckTimeout is how long start/stop wait for the backend's :ACK
// before failing, matching spec.md §6's request timeout default.
const DefaultAckTimeout = 60 * time.Second

// ErrConcurrentConsumptionRequest is returned when start is called while
// another start/stop is already in flight, per spec.md §4.7 and §7.
var ErrConcurrentConsumptionRequest = errors.New("subscription: a consumption request is already in progress")

// Emitter sends text frames through the Connection Engine.
type Emitter interface {
	Emit(text string) error
}

// registration is the Streaming Registration record of spec.md §3.
type registration struct {
	name        string
	startCmd    string
	stopCmd     string
	ackTag      string
	params      map[string]string
}

// Manager is the Subscription Manager (C7).
type Manager struct {
	bus    *bus.Bus
	engine Emitter

	pending atomic.Bool

	mu     sync.Mutex
	byName map[string]*registration
}

// Config configures a new Manager.
type Config struct {
	Bus    *bus.Bus
	Engine Emitter
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{bus: cfg.Bus, engine: cfg.Engine, byName: make(map[string]*registration)}
}

// Start implements spec.md §4.7's start(name, start_cmd, ack_tag, params).
func (m *Manager) Start(ctx context.Context, name, startCmd, stopCmd, ackTag string, params map[string]string) error {
	if !m.pending.CompareAndSwap(false, true) {
		return ErrConcurrentConsumptionRequest
	}
	defer m.pending.Store(false)

	return m.doStart(ctx, name, startCmd, stopCmd, ackTag, params)
}

func (m *Manager) doStart(ctx context.Context, name, startCmd, stopCmd, ackTag string, params map[string]string) error {
	correlationID := uuid.NewString()
	command := buildCommand(startCmd, correlationID, params)

	ackCh, err := m.bus.SubscribeOnceForStringExclusively(ackTag, DefaultAckTimeout)
	if err != nil {
		return fmt.Errorf("subscription: %q already has an outstanding ack wait: %w", ackTag, err)
	}

	errCh, err := m.bus.SubscribeOnceForAdaptable(ctx, correlationID, DefaultAckTimeout)
	if err != nil {
		return fmt.Errorf("subscription: registering error wait: %w", err)
	}

	if err := m.engine.Emit(command); err != nil {
		return fmt.Errorf("subscription: emitting start command: %w", err)
	}

	select {
	case res := <-ackCh:
		if res.Err != nil {
			return res.Err
		}
	case res := <-errCh:
		if res.Err == nil {
			return fmt.Errorf("subscription: protocol error starting %q", name)
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.byName[name] = &registration{name: name, startCmd: startCmd, stopCmd: stopCmd, ackTag: ackTag, params: params}
	m.mu.Unlock()
	return nil
}

// Stop implements spec.md §4.7's stop(name, stop_cmd, ack_tag). If the
// registration was already absent, it completes immediately.
func (m *Manager) Stop(ctx context.Context, name, ackTag string) error {
	m.mu.Lock()
	reg, ok := m.byName[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if !m.pending.CompareAndSwap(false, true) {
		return ErrConcurrentConsumptionRequest
	}
	defer m.pending.Store(false)

	ackCh, err := m.bus.SubscribeOnceForStringExclusively(ackTag, DefaultAckTimeout)
	if err != nil {
		return fmt.Errorf("subscription: %q already has an outstanding ack wait: %w", ackTag, err)
	}

	if err := m.engine.Emit(reg.stopCmd); err != nil {
		return fmt.Errorf("subscription: emitting stop command: %w", err)
	}

	select {
	case res := <-ackCh:
		if res.Err != nil {
			return res.Err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	delete(m.byName, name)
	m.mu.Unlock()
	return nil
}

// Names returns the names of all currently active registrations, in no
// particular order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	return names
}

// Replay re-emits every stored registration's start command with a fresh
// correlation id, fanning the emits out with errgroup, per spec.md §3's "On
// any reconnect, the set of streaming registrations is re-sent before user
// traffic resumes".
func (m *Manager) Replay(ctx context.Context) error {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.byName))
	for _, r := range m.byName {
		regs = append(regs, r)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range regs {
		r := r
		g.Go(func() error {
			correlationID := uuid.NewString()
			command := buildCommand(r.startCmd, correlationID, r.params)
			if err := m.engine.Emit(command); err != nil {
				return fmt.Errorf("subscription: replaying %q: %w", r.name, err)
			}
			_ = gctx
			return nil
		})
	}
	return g.Wait()
}

// buildCommand appends correlationID and every entry of params to command as
// a URL-encoded query string, per spec.md §4.7 and §6. params is reused
// verbatim on every replay; only the correlation id is regenerated.
func buildCommand(command, correlationID string, params map[string]string) string {
	values := make(url.Values, len(params)+1)
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("correlation-id", correlationID)

	sep := "?"
	if strings.Contains(command, "?") {
		sep = "&"
	}
	return command + sep + values.Encode()
}
