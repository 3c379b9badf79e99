package domain

// WebhookDecision is the outcome of comparing a webhook's version
// against the locally stored sync_version.
type WebhookDecision string

const (
	// DecisionSkip discards the webhook; the local record is newer or equal
	DecisionSkip WebhookDecision = "skip"
	// DecisionOverwrite applies the webhook state over the local record
	DecisionOverwrite WebhookDecision = "overwrite"
)

// ResolveWebhook compares the local sync_version against the version a
// webhook reports. A stale or equal webhook is discarded; a newer one
// overwrites the local snapshot. The overwrite is logged by the caller
// as a reconciliation, not an error.
func ResolveWebhook(localVersion, webhookVersion int64) WebhookDecision {
	if webhookVersion > localVersion {
		return DecisionOverwrite
	}
	return DecisionSkip
}
