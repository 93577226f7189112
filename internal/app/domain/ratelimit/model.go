// Package ratelimit defines the durable rate-limit observation record.
//
// Observations are stored and counted through storage.RateLimitStore.
// No component records them: the /join throttle and the control-channel
// command throttle both use in-process token buckets, so their quota
// state does not survive a process restart.
package ratelimit

import "time"

// Observation is one timestamped hit against a rate-limit key.
// Keys are qualified, e.g. "ip:203.0.113.5" or "email:a@example.com".
type Observation struct {
	Key       string
	Timestamp time.Time
}
