package executor

import "context"

type sourceKey struct{}

// Source labels used by the built-in callers.
const (
	SourceAPI    = "api"
	SourceMQTT   = "mqtt"
	SourceResync = "resync"
	SourceCLI    = "cli"
)

// WithSource tags ctx with the origin of a request. The label is passed on
// to listeners with every state change the request causes.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the origin label stored by WithSource, or "internal".
func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "internal"
}
