// Package webhooks turns provider change notifications into sync jobs.
//
// A delivery is verified against the provider's signing secret, parsed into
// tenant notifications, deduped through a claim ledger and then submitted
// to the job trigger once per connected business profile:
// processing -> processed|retry_ready -> dead.
// Failed deliveries stay claimable so the provider's own redelivery retries
// them instead of being deduped as done.
package webhooks
