package appcontext

import (
	"context"
)

type contextKey string

const messageIdKey contextKey = "messageId"

// WithMessageId attaches the inbound command's message id to the
// context. Every audit event recorded while handling that command
// carries this id.
func WithMessageId(ctx context.Context, messageId string) context.Context {
	return context.WithValue(ctx, messageIdKey, messageId)
}

// MessageIdFromContext returns the command message id, if any.
func MessageIdFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(messageIdKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
