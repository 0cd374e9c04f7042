// Package transport defines the narrow push boundary the engine depends on.
// Concrete protocols (APNs, Telegram, ...) live in subpackages; the engine
// never sees anything beyond Pusher.
package transport

import "context"

// Push is one notification payload for one recipient.
//
// Data carries enough identifying information (reminder id, last-modified)
// for the client to decide whether its local cache is stale and needs a
// refresh before presenting an alert.
type Push struct {
	Category string // e.g. "reminder"
	Title    string
	Body     string
	Data     map[string]string
}

// Pusher delivers a payload to a single recipient token.
//
// Token is opaque to callers; each implementation defines what it means.
// Implementations must be safe for concurrent use.
type Pusher interface {
	Send(ctx context.Context, token string, p Push) error
}

// Func adapts a function to the Pusher interface (handy in tests).
type Func func(ctx context.Context, token string, p Push) error

func (f Func) Send(ctx context.Context, token string, p Push) error { return f(ctx, token, p) }
