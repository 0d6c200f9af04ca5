package notify

import (
	"context"
	"fmt"

	"github.com/fanvote/notifier/pkg/bus"
)

// Topics the voting application publishes and the default handlers consume.
const (
	TopicVoteCreated       = "vote.created"
	TopicVoteProgress      = "vote.progress"
	TopicRankChanged       = "model.rank_changed"
	TopicRewardEarned      = "reward.earned"
	TopicReferralJoined    = "referral.joined"
	TopicReferralMilestone = "referral.milestone"
)

// RegisterDefaultHandlers subscribes the standard domain-event handlers
// that translate application events into queued notifications. Call it at
// startup in every process that runs the event worker; the registry is
// per-process.
func RegisterDefaultHandlers(b *bus.Bus, s *Service) error {
	if b == nil {
		return ErrBusNil
	}

	b.Subscribe(TopicVoteCreated, func(ctx context.Context, event bus.Event) error {
		recipient, err := stringField(event.Data, "voter_email")
		if err != nil {
			return err
		}
		_, err = s.QueueVoteConfirmation(ctx, recipient, event.Data)
		return err
	})

	b.Subscribe(TopicVoteProgress, func(ctx context.Context, event bus.Event) error {
		recipient, err := stringField(event.Data, "email")
		if err != nil {
			return err
		}
		// Digests wait for a delivery window; they are never urgent.
		_, err = s.QueueProgressUpdate(ctx, recipient, event.Data, AtBestTime())
		return err
	})

	b.Subscribe(TopicRankChanged, func(ctx context.Context, event bus.Event) error {
		recipients, err := stringSliceField(event.Data, "supporters")
		if err != nil {
			return err
		}
		if len(recipients) == 0 {
			return nil
		}
		_, err = s.QueueRankUpdate(ctx, recipients, event.Data)
		return err
	})

	b.Subscribe(TopicRewardEarned, func(ctx context.Context, event bus.Event) error {
		recipient, err := stringField(event.Data, "email")
		if err != nil {
			return err
		}
		_, err = s.QueueRewardDelivery(ctx, recipient, event.Data)
		return err
	})

	b.Subscribe(TopicReferralJoined, func(ctx context.Context, event bus.Event) error {
		recipient, err := stringField(event.Data, "referrer_email")
		if err != nil {
			return err
		}
		_, err = s.QueueReferralJoin(ctx, recipient, event.Data)
		return err
	})

	b.Subscribe(TopicReferralMilestone, func(ctx context.Context, event bus.Event) error {
		recipient, err := stringField(event.Data, "referrer_email")
		if err != nil {
			return err
		}
		_, err = s.QueueReferralMilestone(ctx, recipient, event.Data)
		return err
	})

	return nil
}

func stringField(data map[string]any, key string) (string, error) {
	v, ok := data[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: event data missing %q", ErrMissingRecipient, key)
	}
	return v, nil
}

// stringSliceField accepts both []string and the []any form JSON decoding
// produces.
func stringSliceField(data map[string]any, key string) ([]string, error) {
	switch v := data[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("event data %q contains a non-string entry", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("event data %q is not a list", key)
	}
}
