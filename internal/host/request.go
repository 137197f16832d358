package host

import "context"

// RequestInfo is the ambient "background request" installed on the context for
// the duration of one tenant's loop iteration. Downstream collaborators use it
// to resolve the tenant's URL host/prefix without an HTTP request in flight.
type RequestInfo struct {
	Tenant     string
	URLHost    string
	URLPrefix  string
	Background bool
}

type requestKey struct{}

// WithRequest returns a context carrying info.
func WithRequest(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey{}, info)
}

// RequestFrom extracts the ambient request info, if any.
func RequestFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestKey{}).(RequestInfo)
	return info, ok
}

// IsBackground reports whether ctx carries a background request marker.
func IsBackground(ctx context.Context) bool {
	info, ok := RequestFrom(ctx)
	return ok && info.Background
}
