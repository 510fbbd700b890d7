// Package transport owns the single WebSocket (Frame Transport, spec.md §4.1).
// It sends and receives text frames and reports connection state through a
// callback interface, generalizing the single websocket.DefaultDialer.DialContext
// call in the teacher's RelayPool.getOrCreateConn (relay_pool.go) into a
// full-duplex, reconnect-aware connection owner.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxPayloadBytes is the maximum text frame size, per spec.md §4.1.
const MaxPayloadBytes = 256 * 1024

// DefaultConnectTimeout is also the default ping interval, per spec.md §4.1
// ("ping interval equal to the connection-timeout (5 s)").
const DefaultConnectTimeout = 5 * time.Second

// CloseFrame describes a WebSocket close frame observed on disconnect.
type CloseFrame struct {
	Code   int
	Reason string
}

// Callbacks is the one-way push surface the Connection Engine implements to
// receive transport events (spec.md Design Notes §9: "no back-reference from
// the transport struct").
type Callbacks interface {
	OnConnected(header http.Header)
	OnText(text string)
	OnBinary(data []byte)
	OnDisconnected(server, client *CloseFrame, closedByServer bool)
	OnError(cause error)
}

// Config configures a Transport, per spec.md §4.1 and §6.
type Config struct {
	Endpoint      string
	ConnectTimeout time.Duration // default DefaultConnectTimeout
	UserAgent     string
	DeclaredAcks  []string // sent as a JSON-array "declared-acks" header
	AuthHeader    func(header http.Header) error
	Logger        *slog.Logger
}

// Transport owns exactly one WebSocket connection. Callers must not reuse a
// Transport across connect attempts; the Connection Engine creates a fresh one
// per spec.md §3 Lifecycles ("creates at most one Frame Transport at a time").
type Transport struct {
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Transport bound to callbacks. Connect must be called before
// SendText has any effect.
func New(cfg Config, callbacks Callbacks) *Transport {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		closed:    make(chan struct{}),
	}
}

// Connect dials the endpoint and, on success, starts the read loop and
// invokes OnConnected before returning. On failure it returns a typed error
// from spec.md §4.1's {AuthUnauthorized, AuthForbidden, HandshakeFailed,
// UnknownHost, ConnectFailed, Interrupted, Timeout} family.
func (t *Transport) Connect(ctx context.Context) error {
	header := make(http.Header)
	if t.cfg.UserAgent != "" {
		header.Set("User-Agent", t.cfg.UserAgent)
	}
	if len(t.cfg.DeclaredAcks) > 0 {
		header.Set("declared-acks", encodeDeclaredAcks(t.cfg.DeclaredAcks))
	}
	if t.cfg.AuthHeader != nil {
		if err := t.cfg.AuthHeader(header); err != nil {
			return err
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	dialer := &websocket.Dialer{
		HandshakeTimeout: t.cfg.ConnectTimeout,
	}

	conn, resp, err := dialer.DialContext(dialCtx, t.cfg.Endpoint, header)
	if err != nil {
		return classifyDialError(err, resp)
	}

	conn.SetReadLimit(MaxPayloadBytes)

	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	go t.readLoop()
	go func() {
		ticker := time.NewTicker(t.cfg.ConnectTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-t.closed:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.ConnectTimeout)); err != nil {
					return
				}
			}
		}
	}()

	respHeader := http.Header{}
	if resp != nil {
		respHeader = resp.Header
	}
	t.callbacks.OnConnected(respHeader)
	return nil
}

// SendText sends a text frame. Non-blocking: if the connection is not open it
// logs and drops the frame rather than blocking or erroring, per spec.md §4.1.
func (t *Transport) SendText(text string) {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()

	if conn == nil {
		t.logger.Warn("transport: dropped text frame, not connected", "bytes", len(text))
		return
	}
	if len(text) > MaxPayloadBytes {
		t.logger.Error("transport: dropped oversized text frame", "bytes", len(text), "max", MaxPayloadBytes)
		t.callbacks.OnError(fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(text), MaxPayloadBytes))
		return
	}

	t.writeMu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte(text))
	t.writeMu.Unlock()

	if err != nil {
		t.logger.Warn("transport: write failed", "error", err)
		t.callbacks.OnError(err)
	}
}

// Disconnect best-effort closes the connection from the client side.
func (t *Transport) Disconnect() {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()

	if conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}

func (t *Transport) readLoop() {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.reportDisconnect(err)
			return
		}

		switch msgType {
		case websocket.TextMessage:
			t.callbacks.OnText(string(data))
		case websocket.BinaryMessage:
			t.logger.Debug("transport: discarding binary frame, not part of protocol", "bytes", len(data))
			t.callbacks.OnBinary(data)
		}
	}
}

func (t *Transport) reportDisconnect(err error) {
	t.closeOnce.Do(func() { close(t.closed) })

	var closeErr *websocket.CloseError
	closedByServer := true
	var server *CloseFrame
	if errors.As(err, &closeErr) {
		server = &CloseFrame{Code: closeErr.Code, Reason: closeErr.Text}
	} else {
		// A non-close-frame read error (network drop, reset, or the socket
		// closed by Disconnect) is also reported as a server-initiated
		// teardown: the transport does not record client-initiated closes.
		t.logger.Debug("transport: read loop ended without close frame", "error", err)
	}
	t.callbacks.OnDisconnected(server, nil, closedByServer)
}

func encodeDeclaredAcks(acks []string) string {
	b, err := json.Marshal(acks)
	if err != nil {
		// []string always marshals; unreachable.
		return "[]"
	}
	return string(b)
}

func classifyDialError(err error, resp *http.Response) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return &AuthError{Kind: AuthUnauthorized}
		case http.StatusForbidden:
			return &AuthError{Kind: AuthForbidden}
		}
		if resp.StatusCode >= 400 {
			return &AuthError{Kind: AuthHandshakeFailed, Status: resp.StatusCode, Reason: resp.Status}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Kind: ConnectTimeout, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &ConnectError{Kind: ConnectInterrupted, Cause: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectError{Kind: ConnectUnknownHost, Cause: err}
	}
	return &ConnectError{Kind: ConnectFailed, Cause: err}
}
