package notify

import "github.com/fanvote/notifier/pkg/queue"

// Kind is the closed set of notification kinds the pipeline can deliver.
// Dispatch is an exhaustive switch over this set, so adding a kind without
// a rendering and priority rule is a compile-visible omission, not a
// runtime lookup miss.
type Kind string

const (
	KindVoteConfirmation  Kind = "vote_confirmation"
	KindProgressUpdate    Kind = "progress_update"
	KindRankUpdate        Kind = "rank_update"
	KindRewardDelivery    Kind = "reward_delivery"
	KindReferralJoin      Kind = "referral_join"
	KindReferralMilestone Kind = "referral_milestone"
)

// Kinds returns every known kind as queue job kinds; the enqueuer rejects
// anything outside this set synchronously.
func Kinds() []string {
	return []string{
		string(KindVoteConfirmation),
		string(KindProgressUpdate),
		string(KindRankUpdate),
		string(KindRewardDelivery),
		string(KindReferralJoin),
		string(KindReferralMilestone),
	}
}

// Valid reports whether k is a known notification kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVoteConfirmation, KindProgressUpdate, KindRankUpdate,
		KindRewardDelivery, KindReferralJoin, KindReferralMilestone:
		return true
	}
	return false
}

// DefaultPriority maps each kind to its delivery urgency. Rank updates are
// Critical: they are the product's time-sensitive moment and fan out to
// every supporter of a model at once.
func (k Kind) DefaultPriority() queue.Priority {
	switch k {
	case KindRankUpdate:
		return queue.PriorityCritical
	case KindRewardDelivery, KindReferralMilestone:
		return queue.PriorityHigh
	case KindVoteConfirmation, KindReferralJoin:
		return queue.PriorityNormal
	case KindProgressUpdate:
		return queue.PriorityLow
	}
	return queue.PriorityDefault
}

// Payload is the deliverable unit carried by every notification job:
// a recipient address plus data opaque to the queue and meaningful only to
// the renderer for the kind.
type Payload struct {
	Recipient string         `json:"recipient"`
	Data      map[string]any `json:"data,omitempty"`
}
