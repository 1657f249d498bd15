package domain

import "context"

type ctxKey string

const requestInfoCtxKey ctxKey = "hcsr_request_info"

// RequestInfo carries the agent/session identifiers of the call that
// triggered a given operation, threaded through context for logging and
// span attributes without widening every component's function signature.
type RequestInfo struct {
	AgentID   string
	SessionID string
}

// ContextWithRequestInfo returns a new context carrying ri.
func ContextWithRequestInfo(ctx context.Context, ri RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoCtxKey, ri)
}

// RequestInfoFromContext extracts the RequestInfo from ctx, if present.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	ri, ok := ctx.Value(requestInfoCtxKey).(RequestInfo)
	return ri, ok
}
