package trustkit

import "context"

type clientIPContextKey struct{}
type userAgentContextKey struct{}
type deviceIDContextKey struct{}

// WithClientIP attaches the caller's IP address to ctx. The Engine uses it
// for audit records and anomaly attribution.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey{}, ip)
}

// WithUserAgent attaches the caller's user-agent string to ctx for audit
// records.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentContextKey{}, userAgent)
}

// WithDeviceID attaches a derived device identifier to ctx. Trusted-device
// checks use it when no explicit device ID is supplied.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDContextKey{}, deviceID)
}

func clientIPFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPContextKey{}).(string)
	return ip
}

func userAgentFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	userAgent, _ := ctx.Value(userAgentContextKey{}).(string)
	return userAgent
}

func deviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	deviceID, _ := ctx.Value(deviceIDContextKey{}).(string)
	return deviceID
}
