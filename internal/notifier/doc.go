// Package notifier delivers operator alerts.
//
// Alerts are small, high-signal messages about the publishing pipeline: a post
// that exhausted its retries, an account whose credentials expired, a rule that
// asked to notify. Each alert carries a priority and an optional tenant.
//
// # Delivery
//
// Notify enqueues and returns. A fixed worker pool drains the queue through a
// token-bucket limiter and hands rendered text to a Sink (Telegram in
// production), retrying transient failures with jittered backoff.
//
// # Dedup
//
// Identical alerts inside the dedup window are suppressed. The window is kept
// in memory and, when PersistDedup is set, mirrored to storage so a restart
// does not re-send a burst.
package notifier
