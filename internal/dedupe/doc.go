// Package dedupe provides webhook delivery deduplication using a time-based
// reply cache, so a retried message ID yields the original reply without
// re-running the conversation turn.
package dedupe
