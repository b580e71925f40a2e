// Package appctx carries request-scoped values (request id, route, caller identity) through
// context.Context so loggers and handlers can read them.
package appctx

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
)

type ContextKey string

var (
	RequestIDKey     = ContextKey("X-Request-Id")
	MethodKey        = ContextKey("X-Method")
	RouteKey         = ContextKey("X-Route")
	RemoteIPKey      = ContextKey("X-Remote-Ip")
	RefererKey       = ContextKey("X-Referer")
	UserIDKey        = ContextKey("X-User-Id")
	ApplicationIDKey = ContextKey("X-Application-Id")
	PrincipalKey     = ContextKey("X-Principal")
)

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return context.WithValue(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

func SetReferer(ctx context.Context, referer string) context.Context {
	return context.WithValue(ctx, RefererKey, referer)
}

func GetReferer(ctx context.Context) string {
	return get(ctx, RefererKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return get(ctx, UserIDKey)
}

func SetApplicationID(ctx context.Context, applicationID string) context.Context {
	return context.WithValue(ctx, ApplicationIDKey, applicationID)
}

func GetApplicationID(ctx context.Context) string {
	return get(ctx, ApplicationIDKey)
}

// SetPrincipal stores the caller and mirrors its user and application ids for logging.
func SetPrincipal(ctx context.Context, p *models.Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	ctx = SetUserID(ctx, p.UserID)
	return SetApplicationID(ctx, p.ApplicationID)
}

// GetPrincipal returns the caller, or nil when the request is anonymous.
func GetPrincipal(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(PrincipalKey).(*models.Principal)
	return p
}
