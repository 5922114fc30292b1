// Package ratelimit provides a token bucket for executors with external
// quotas. The queue worker waits on a bucket, when one is configured,
// before dispatching each job.
package ratelimit
