package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	callerNameKey contextKey = "caller_name"
	keyPrefixKey  contextKey = "key_prefix"
	scopesKey     contextKey = "credential_scopes"
)

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the correlation id assigned to this request.
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func setCallerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerNameKey, name)
}

// GetCallerName returns the name of the authenticated credential.
func GetCallerName(r *http.Request) (string, bool) {
	name, ok := r.Context().Value(callerNameKey).(string)
	return name, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(scopesKey).([]string)
	return scopes
}
