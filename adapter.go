package ditto

// Adapter converts between wire JSON and domain signals. It is the external
// "JSON Protocol Adapter" collaborator described in spec.md §1/§6 — out of
// scope for the core, which treats its output (Adaptable) as opaque. A
// concrete implementation lives in a surrounding domain-model package; the
// core only calls through this interface.
type Adapter interface {
	// ToAdaptable converts a domain signal into wire-independent form.
	ToAdaptable(signal any) (Adaptable, error)

	// FromAdaptable converts a wire-independent Adaptable back into a domain
	// signal. The concrete type returned is adapter-specific; Handle Base type-
	// switches on it against the caller's expected success/error types.
	FromAdaptable(a Adaptable) (any, error)

	// ToJSONString serializes an Adaptable to the text frame sent over the wire.
	ToJSONString(a Adaptable) (string, error)

	// Parse parses a text frame into an Adaptable. Returns an error on
	// malformed input; the Adaptable Bus logs and discards such frames rather
	// than propagating the error (spec.md §4.3 step 2, §7 "Protocol.ParseFailed").
	Parse(text string) (Adaptable, error)
}

// AuthProvider injects authentication headers/tokens before a transport
// connects, per spec.md §6 ("Authentication provider interface"). Out of
// scope for the core beyond this seam.
type AuthProvider interface {
	// Prepare injects auth headers into the outgoing handshake, or registers
	// token-refresh hooks against the transport. header is mutated in place.
	Prepare(header map[string][]string) error

	// SessionID returns the logical session id this provider authenticates.
	SessionID() string

	// Destroy releases any resources (timers, file handles) held by the
	// provider. Called once from Session.Close.
	Destroy()
}

// NoopAuthProvider is a zero-configuration AuthProvider for anonymous/dummy
// authentication, analogous to the "dummy credentials" mode spec.md §1 allows
// out of scope. Useful for tests and local gateways.
type NoopAuthProvider struct{ ID string }

func (n NoopAuthProvider) Prepare(map[string][]string) error { return nil }
func (n NoopAuthProvider) SessionID() string                 { return n.ID }
func (n NoopAuthProvider) Destroy()                          {}
