// Package engine implements the Connection Engine (C5): the reconnect state
// machine that combines the Frame Transport (C1), Retry Policy (C2), and
// Adaptable Bus (C3), per spec.md §4.5.
//
// Grounded on SubscriptionAggregator.subscriptionLoop in
// subscription_aggregator.go (loop forever: run, sleep ReconnectDelay, repeat
// unless cancelled) combined with RelayPool.getOrCreateConn's "one connection
// at a time, replace old with new" discipline in relay_pool.go.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionwire/ditto-go/internal/bus"
	"github.com/sessionwire/ditto-go/internal/retry"
	"github.com/sessionwire/ditto-go/internal/transport"
)

// State is one of the Connection Engine's states (spec.md §4.5).
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Closing
	Closed
	Zombie
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Zombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// DisconnectSource classifies who initiated a disconnect.
type DisconnectSource int

const (
	DisconnectSourceServer DisconnectSource = iota
	DisconnectSourceClient
	DisconnectSourceUserCode
)

// DisconnectedContext is handed to the disconnected-listener before the
// engine enters Reconnecting/Zombie, per spec.md §4.5.
type DisconnectedContext struct {
	Source DisconnectSource
	Cause  error

	mu                         sync.Mutex
	closeChannelRequested      bool
	preventConfiguredReconnect bool
	performReconnectForced     bool
}

// CloseChannel records a close-channel request for this disconnect. The
// engine has no channel-closer hook and takes no action on the request.
func (d *DisconnectedContext) CloseChannel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeChannelRequested = true
}

// PreventConfiguredReconnect overrides the configured reconnect-enabled flag
// for this disconnect only.
func (d *DisconnectedContext) PreventConfiguredReconnect(prevent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preventConfiguredReconnect = prevent
}

// PerformReconnect forces a reconnect attempt even if reconnect is disabled.
func (d *DisconnectedContext) PerformReconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.performReconnectForced = true
}

// ShouldReconnect resolves the three latched toggles against the configured
// default, per spec.md §4.5.
func (d *DisconnectedContext) ShouldReconnect(configuredDefault bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.performReconnectForced {
		return true
	}
	if d.preventConfiguredReconnect {
		return false
	}
	return configuredDefault
}

func (d *DisconnectedContext) closeChannelWasRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeChannelRequested
}

// DisconnectedListener is invoked before the engine enters
// Reconnecting/Zombie.
type DisconnectedListener func(*DisconnectedContext)

// zombieGrace is the window after a non-reconnecting disconnect during which
// trailing error frames can still reach user callbacks before Closed.
const zombieGrace = 3 * time.Second

// trailingErrorWait is how long the engine waits for an asynchronous protocol
// error frame to arrive after a server-initiated disconnect, so it can be
// attached to the DisconnectedContext as Cause.
const trailingErrorWait = 500 * time.Millisecond

// replayPollInterval and replayPollAttempts implement the subscription-replay
// wait: check every 20ms, up to four times (80ms total), for the reconnecting
// flag to clear before replaying stored subscriptions.
const (
	replayPollInterval = 20 * time.Millisecond
	replayPollAttempts = 4
)

// ErrReconnecting is returned by Emit while the engine is Reconnecting.
var ErrReconnecting = errors.New("engine: client is reconnecting")

// Config configures a new Engine.
type Config struct {
	Transport              transport.Config
	ReconnectEnabled       bool
	InitialConnectRetry    bool
	ReconnectDelay         time.Duration
	DisconnectedListener   DisconnectedListener
	ConnectionErrorHandler func(error)
	Logger                 *slog.Logger
}

// ReplayFunc re-emits every stored streaming-subscription start text with a
// fresh correlation id, called after a reconnect completes.
type ReplayFunc func(ctx context.Context)

// Engine is the Connection Engine (C5).
type Engine struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus

	mu               sync.Mutex
	state            State
	transport        *transport.Transport
	replay           ReplayFunc
	reconnectingFlag atomic.Bool

	trailingErrMu sync.Mutex
	trailingErr   error
	trailingOnce  *sync.Once
	trailingReady chan struct{}

	loopCtx    context.Context
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs an Engine wired to publish inbound text frames onto bus.
func New(cfg Config, adaptableBus *bus.Bus) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger, bus: adaptableBus, state: Idle}
}

// SetReplay installs the subscription-replay callback invoked after the
// initial connect in Initialize and after every successful reconnect. Must
// be called before Initialize.
func (e *Engine) SetReplay(fn ReplayFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.replay = fn
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Initialize transitions Idle → Connecting and establishes the first
// connection, honoring InitialConnectRetry.
func (e *Engine) Initialize(ctx context.Context) error {
	e.setState(Connecting)

	loopCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.loopCtx = loopCtx
	e.cancelLoop = cancel
	e.mu.Unlock()

	policy := retry.Policy{Name: "initial-connect", Delay: e.cfg.ReconnectDelay, IsRecoverable: retry.Never, NotifyOnError: e.cfg.ConnectionErrorHandler, Logger: e.logger}
	if e.cfg.InitialConnectRetry {
		policy.IsRecoverable = retry.AlwaysRecoverable
	}

	err := policy.Run(ctx, func(attemptCtx context.Context) error {
		return e.connectOnce(attemptCtx)
	})
	if err != nil {
		e.setState(Closed)
		cancel()
		return err
	}

	e.runReplay(ctx)
	e.setState(Connected)
	return nil
}

func (e *Engine) connectOnce(ctx context.Context) error {
	tr := transport.New(e.cfg.Transport, e)
	if err := tr.Connect(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	old := e.transport
	e.transport = tr
	e.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	return nil
}

func (e *Engine) runReplay(ctx context.Context) {
	if e.replay == nil {
		return
	}
	for i := 0; i < replayPollAttempts; i++ {
		if !e.reconnectingFlag.Load() {
			e.replay(ctx)
			return
		}
		time.Sleep(replayPollInterval)
	}
	e.logger.Warn("engine: subscription replay skipped, reconnecting flag never cleared")
}

// Emit sends text through the current transport. It fails with
// ErrReconnecting while the engine is Reconnecting, per spec.md §4.5's send
// discipline.
func (e *Engine) Emit(text string) error {
	e.mu.Lock()
	state := e.state
	tr := e.transport
	e.mu.Unlock()

	if state == Reconnecting {
		return ErrReconnecting
	}
	if tr == nil {
		return ErrReconnecting
	}
	tr.SendText(text)
	return nil
}

// Close transitions the engine to Closing then Closed, disconnecting the
// current transport.
func (e *Engine) Close() {
	e.setState(Closing)
	e.mu.Lock()
	tr := e.transport
	cancel := e.cancelLoop
	e.mu.Unlock()
	if tr != nil {
		tr.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.setState(Closed)
}

// --- transport.Callbacks ---

// OnConnected implements transport.Callbacks. It only clears the
// reconnecting flag the replay poll waits on; Initialize/reconnectLoop alone
// transition the state to Connected, and only after replay has run, so Emit
// stays gated on Reconnecting until every stored subscription has been
// re-sent (spec.md §8's "before any user emit is allowed to proceed").
func (e *Engine) OnConnected(_ http.Header) {
	e.reconnectingFlag.Store(false)
}

// OnText implements transport.Callbacks; forwards the frame to the
// Adaptable Bus for demultiplexing (spec.md §4.3's publish entry point).
func (e *Engine) OnText(text string) {
	e.bus.Publish(text)
}

// OnBinary implements transport.Callbacks. The protocol carries no binary
// frames; log and discard per spec.md §4.1.
func (e *Engine) OnBinary(data []byte) {
	e.logger.Debug("engine: discarding unexpected binary frame", "bytes", len(data))
}

// OnDisconnected implements transport.Callbacks and drives the
// Connected → Reconnecting/Zombie transition of spec.md §4.5.
func (e *Engine) OnDisconnected(server, client *transport.CloseFrame, closedByServer bool) {
	e.mu.Lock()
	if e.state == Closing || e.state == Closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	var cause error
	if closedByServer {
		cause = e.awaitTrailingError()
	}

	dctx := &DisconnectedContext{Source: DisconnectSourceServer, Cause: cause}
	if !closedByServer {
		dctx.Source = DisconnectSourceClient
	}
	if e.cfg.DisconnectedListener != nil {
		e.cfg.DisconnectedListener(dctx)
	}

	shouldReconnect := dctx.ShouldReconnect(e.cfg.ReconnectEnabled)
	if !shouldReconnect {
		e.setState(Zombie)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			time.Sleep(zombieGrace)
			e.setState(Closed)
		}()
		return
	}

	e.setState(Reconnecting)
	e.reconnectingFlag.Store(true)
	e.wg.Add(1)
	go e.reconnectLoop()
}

// OnError implements transport.Callbacks.
func (e *Engine) OnError(cause error) {
	e.logger.Warn("engine: transport error", "error", cause)
	e.deliverTrailingError(cause)
	if e.cfg.ConnectionErrorHandler != nil {
		e.cfg.ConnectionErrorHandler(cause)
	}
}

func (e *Engine) awaitTrailingError() error {
	e.trailingErrMu.Lock()
	ready := make(chan struct{})
	e.trailingReady = ready
	e.trailingOnce = &sync.Once{}
	e.trailingErrMu.Unlock()

	select {
	case <-ready:
	case <-time.After(trailingErrorWait):
	}

	e.trailingErrMu.Lock()
	defer e.trailingErrMu.Unlock()
	err := e.trailingErr
	e.trailingErr = nil
	e.trailingReady = nil
	return err
}

func (e *Engine) deliverTrailingError(cause error) {
	e.trailingErrMu.Lock()
	once := e.trailingOnce
	ready := e.trailingReady
	e.trailingErr = cause
	e.trailingErrMu.Unlock()

	if once != nil && ready != nil {
		once.Do(func() { close(ready) })
	}
}

func (e *Engine) reconnectLoop() {
	defer e.wg.Done()

	e.mu.Lock()
	ctx := e.loopCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	policy := retry.Policy{
		Name:          "reconnect",
		Delay:         e.cfg.ReconnectDelay,
		IsRecoverable: retry.AlwaysRecoverable,
		NotifyOnError: e.cfg.ConnectionErrorHandler,
		Logger:        e.logger,
	}

	err := policy.Run(ctx, func(attemptCtx context.Context) error {
		e.mu.Lock()
		if e.state == Closing || e.state == Closed {
			e.mu.Unlock()
			return context.Canceled
		}
		e.mu.Unlock()
		return e.connectOnce(attemptCtx)
	})
	if err != nil {
		e.logger.Error("engine: reconnect gave up", "error", err)
		e.setState(Closed)
		return
	}

	e.runReplay(ctx)
	e.setState(Connected)
}
