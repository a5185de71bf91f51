package tenancy

import "context"

type ctxKey string

const instanceKey ctxKey = "zapdesk.instance_id"

// WithInstanceID stores the tenant instance id in context.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceKey, instanceID)
}

// InstanceIDFromContext extracts the tenant instance id if present.
func InstanceIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(instanceKey)
	if val == nil {
		return "", false
	}
	instanceID, ok := val.(string)
	return instanceID, ok && instanceID != ""
}
