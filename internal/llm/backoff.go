// Package llm routes chat requests across ordered model chains with
// per-model cooldowns and credential-aware fallback.
package llm

import "time"

// BackoffSchedule is the shared cooldown ladder. Model cooldowns and cron
// retry backoff both index into it by consecutive-failure count.
var BackoffSchedule = []time.Duration{
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// BackoffDelay returns the wait for the n-th consecutive failure (1-based),
// capped at the last schedule step. Zero or negative means no wait.
func BackoffDelay(consecutive int) time.Duration {
	if consecutive <= 0 {
		return 0
	}
	idx := consecutive - 1
	if idx >= len(BackoffSchedule) {
		idx = len(BackoffSchedule) - 1
	}
	return BackoffSchedule[idx]
}
