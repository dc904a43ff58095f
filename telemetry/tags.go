// Package telemetry provides operation tagging and OpenTelemetry metrics for
// the package cache.
package telemetry

import (
	"context"
	"errors"
)

type contextKey string

const (
	// operationTagsKey is the context key for the operation tags holder.
	operationTagsKey contextKey = "operation_tags"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheBypass marks operations that never consult the cache, such as
	// out-of-band adds.
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// OperationTags holds mutable operation metadata that components set as a
// load progresses.
type OperationTags struct {
	Operation   string
	CacheResult CacheResult
	// Registry is the base URL of the registry that supplied the package.
	Registry string
}

// InjectTags returns a context carrying empty tags for operation.
// Call this once at the start of a manager operation.
func InjectTags(ctx context.Context, operation string) context.Context {
	tags := &OperationTags{Operation: operation, CacheResult: CacheNA}
	return context.WithValue(ctx, operationTagsKey, tags)
}

// GetTags retrieves the operation tags from ctx.
// Returns nil if the context was never tagged.
func GetTags(ctx context.Context) *OperationTags {
	if tags, ok := ctx.Value(operationTagsKey).(*OperationTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging and metrics.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := GetTags(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// SetRegistry records which registry supplied the package.
func SetRegistry(ctx context.Context, registry string) {
	if tags := GetTags(ctx); tags != nil {
		tags.Registry = registry
	}
}

// OperationFromContext returns the operation name carried by ctx, or
// "unknown".
func OperationFromContext(ctx context.Context) string {
	if tags := GetTags(ctx); tags != nil && tags.Operation != "" {
		return tags.Operation
	}
	return "unknown"
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
