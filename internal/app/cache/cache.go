// Package cache provides read-side caching for project lookups, funder lists,
// and platform stats. Values are stored as JSON under namespaced keys; every
// funding mutation invalidates the keys it touches.
package cache

import (
	"context"
	"time"
)

// Cache is the read-through cache used by the HTTP layer.
type Cache interface {
	// Get unmarshals the cached value for key into dest. The boolean reports
	// whether the key was present and fresh.
	Get(ctx context.Context, key string, dest interface{}) (bool, error)

	// Set stores value under key for ttl. A zero ttl stores without expiry.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases the underlying client.
	Close() error
}

// ProjectKey names the cached detail view of one project.
func ProjectKey(projectID string) string { return "project:" + projectID }

// FundersKey names the cached funder list of one project.
func FundersKey(projectID string) string { return "funders:" + projectID }

// StatsKey names the cached platform stats view.
const StatsKey = "stats"
