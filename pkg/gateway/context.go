package gateway

import "context"

type ctxKey string

const clientIDKey ctxKey = "client_id"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the websocket client issuing a request, empty
// for plain HTTP requests
func ClientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}
