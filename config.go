package ditto

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is the JSON protocol schema version negotiated in the endpoint path.
type SchemaVersion int

const LatestSchemaVersion SchemaVersion = 2

// ProxyConfig describes an optional HTTP(S) proxy in front of the gateway.
// Session accepts it in Config but does not apply it to the connection.
type ProxyConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// TrustStoreConfig describes a TLS trust store for verifying the gateway.
// Session accepts it in Config but does not apply it to the connection.
type TrustStoreConfig struct {
	Location string
	Password string
}

// DisconnectSource identifies who initiated a disconnect, for DisconnectedContext.
type DisconnectSource int

const (
	DisconnectSourceServer DisconnectSource = iota
	DisconnectSourceClient
	DisconnectSourceUserCode
)

// DisconnectedContext is handed to the user's DisconnectedListener immediately
// before the engine transitions into Reconnecting or Zombie (spec.md §4.5).
type DisconnectedContext struct {
	Source DisconnectSource
	Cause  error

	// closeChannel records a CloseChannel request; it is passed on to the
	// engine, which has no channel-closer to invoke and takes no action on it.
	// preventConfiguredReconnect and performReconnect latch per-disconnect and
	// are read immediately after the listener returns.
	closeChannel               bool
	preventConfiguredReconnect bool
	performReconnect           bool
}

// CloseChannel records a close-channel request for this disconnect. No
// channel-closer can be configured, so the request has no effect.
func (c *DisconnectedContext) CloseChannel() { c.closeChannel = true }

// PreventConfiguredReconnect overrides Config.ReconnectEnabled for this disconnect.
func (c *DisconnectedContext) PreventConfiguredReconnect(prevent bool) {
	c.preventConfiguredReconnect = prevent
}

// PerformReconnect forces a reconnect attempt even if reconnect is disabled.
func (c *DisconnectedContext) PerformReconnect() { c.performReconnect = true }

// ShouldReconnect resolves the three toggles against the configured default.
func (c *DisconnectedContext) ShouldReconnect(configuredDefault bool) bool {
	if c.performReconnect {
		return true
	}
	if c.preventConfiguredReconnect {
		return false
	}
	return configuredDefault
}

// DisconnectedListener is invoked before the engine reconnects or zombies out.
type DisconnectedListener func(ctx *DisconnectedContext)

// ConnectionErrorHandler receives every failed connect/reconnect attempt, per
// spec.md §4.2 ("notify_on_error").
type ConnectionErrorHandler func(err error)

// Config enumerates every recognized client option from spec.md §6, flattened
// into one record rather than a builder chain (per the REDESIGN FLAGS guidance
// and the teacher's flat AggregatorConfig/ChannelOptions style).
type Config struct {
	// Endpoint is a ws:// or wss:// URI. Its path is normalized to end with
	// "/ws/<SchemaVersion>"; if it already has a schema-version suffix, it must
	// match SchemaVersion or NewSession returns a *ConfigurationError.
	Endpoint string

	// SchemaVersion defaults to LatestSchemaVersion.
	SchemaVersion SchemaVersion

	// Timeout is the default request timeout for SendAndExpect. Default 60s.
	Timeout time.Duration

	// DeclaredAcks is the set of acknowledgement labels this client promises to
	// produce, sent as the "declared-acks" header on every (re)connect. Treated
	// as immutable after NewSession (see SPEC_FULL.md Open Question 3).
	DeclaredAcks []string

	// ReconnectEnabled defaults to true; set a pointer to false to disable.
	ReconnectEnabled *bool

	// InitialConnectRetryEnabled defaults to false: Initialize makes one
	// connect attempt unless this is set.
	InitialConnectRetryEnabled bool

	// ReconnectDelay is the fixed delay between reconnect attempts. Default 5s.
	ReconnectDelay time.Duration

	Proxy      *ProxyConfig
	TrustStore *TrustStoreConfig

	OnConnectionError ConnectionErrorHandler
	OnDisconnected    DisconnectedListener

	// UserAgent is injected as the User-Agent header on the opening handshake.
	UserAgent string

	// Logger receives structured logs for every component. Defaults to
	// slog.Default() if nil; NewLogger builds a JSON-handler logger that can
	// be passed here instead.
	Logger *slog.Logger
}

// WithDefaults returns a copy of c with every zero-valued field replaced by its
// spec.md §6 default.
func (c Config) WithDefaults() Config {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = LatestSchemaVersion
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ditto-go/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ReconnectEnabledOrDefault resolves the ReconnectEnabled pointer against its
// spec.md §6 default of true.
func (c Config) ReconnectEnabledOrDefault() bool {
	if c.ReconnectEnabled == nil {
		return true
	}
	return *c.ReconnectEnabled
}

// normalizedEndpoint validates and rewrites Endpoint to end with
// "/ws/<SchemaVersion>", per spec.md §6.
func (c Config) normalizedEndpoint() (string, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", &ConfigurationError{Reason: "malformed endpoint: " + err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", &ConfigurationError{Reason: "endpoint scheme must be ws or wss, got " + u.Scheme}
	}

	want := int(c.SchemaVersion)
	if want == 0 {
		want = int(LatestSchemaVersion)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) >= 2 && segments[len(segments)-2] == "ws" {
		got, convErr := strconv.Atoi(segments[len(segments)-1])
		if convErr != nil {
			return "", &ConfigurationError{Reason: "endpoint path has non-numeric schema version"}
		}
		if got != want {
			return "", &ConfigurationError{Reason: "endpoint schema version " + strconv.Itoa(got) + " does not match configured " + strconv.Itoa(want)}
		}
		return u.String(), nil
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + strconv.Itoa(want)
	return u.String(), nil
}
