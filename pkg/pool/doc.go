// Package pool provides a small generic resource pool with a live-resource
// bound, idle validation, and timed eviction of unused resources. It backs
// the sandbox process pool but carries no sandbox knowledge.
package pool
