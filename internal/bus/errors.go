package bus

import "errors"

// ErrTimeout is returned on a one-shot subscription's result channel when its
// deadline elapses before a match arrives (spec.md §4.3 "Timeouts surface as
// a typed TimeoutError on the future").
var ErrTimeout = errors.New("bus: subscription timed out")

// ErrAlreadySubscribed is returned synchronously by the exclusive subscribe
// calls when another one-shot is already registered for the same key,
// per spec.md §3's "at most one outstanding ProtocolString subscription
// exists for any given ack tag" invariant.
var ErrAlreadySubscribed = errors.New("bus: a subscription already exists for this key")
