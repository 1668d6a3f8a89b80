// Package storage persists posts, accounts, rules, quota counters, audit
// records and notifications in SQLite.
//
// Post ownership is decided here: ClaimPost is a single conditional UPDATE,
// and only the claimant may write an attempt's outcome (FinishAttempt checks
// status = processing).
package storage
