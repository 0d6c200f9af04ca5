package notify

import (
	"fmt"
	"html"
)

// Document is a rendered notification ready for the delivery transport.
type Document struct {
	Subject  string
	BodyHTML string
}

// Renderer turns a kind plus payload into a deliverable document.
type Renderer interface {
	Render(kind Kind, payload Payload) (Document, error)
}

// StaticRenderer renders each kind from a built-in template. The switch is
// exhaustive over the kind set; an unhandled kind is a bug, not a fallback.
type StaticRenderer struct {
	AppName string
}

// NewStaticRenderer creates the default renderer.
func NewStaticRenderer(appName string) *StaticRenderer {
	if appName == "" {
		appName = "FanVote"
	}
	return &StaticRenderer{AppName: appName}
}

func (r *StaticRenderer) Render(kind Kind, payload Payload) (Document, error) {
	switch kind {
	case KindVoteConfirmation:
		model := field(payload.Data, "model_name", "your favorite")
		return r.doc(
			fmt.Sprintf("Your vote for %s is in", model),
			fmt.Sprintf("<p>Thanks for voting! Your vote for <strong>%s</strong> has been counted.</p>", html.EscapeString(model)),
		), nil

	case KindProgressUpdate:
		model := field(payload.Data, "model_name", "your favorite")
		votes := field(payload.Data, "votes", "0")
		return r.doc(
			fmt.Sprintf("%s is climbing", model),
			fmt.Sprintf("<p><strong>%s</strong> now has %s votes. Keep it going!</p>",
				html.EscapeString(model), html.EscapeString(votes)),
		), nil

	case KindRankUpdate:
		model := field(payload.Data, "model_name", "your favorite")
		rank := field(payload.Data, "rank", "?")
		return r.doc(
			fmt.Sprintf("%s just hit rank #%s", model, rank),
			fmt.Sprintf("<p><strong>%s</strong> has moved to rank <strong>#%s</strong>. See the leaderboard now.</p>",
				html.EscapeString(model), html.EscapeString(rank)),
		), nil

	case KindRewardDelivery:
		reward := field(payload.Data, "reward_name", "a reward")
		return r.doc(
			fmt.Sprintf("You earned %s", reward),
			fmt.Sprintf("<p>Congratulations! You earned <strong>%s</strong>. It is waiting in your account.</p>",
				html.EscapeString(reward)),
		), nil

	case KindReferralJoin:
		friend := field(payload.Data, "friend_name", "A friend")
		return r.doc(
			fmt.Sprintf("%s joined through your link", friend),
			fmt.Sprintf("<p><strong>%s</strong> signed up using your referral link. Your bonus votes are on the way.</p>",
				html.EscapeString(friend)),
		), nil

	case KindReferralMilestone:
		count := field(payload.Data, "referral_count", "several")
		return r.doc(
			fmt.Sprintf("Referral milestone reached: %s friends", count),
			fmt.Sprintf("<p>You have brought in <strong>%s</strong> friends. A milestone reward has been unlocked.</p>",
				html.EscapeString(count)),
		), nil
	}

	return Document{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func (r *StaticRenderer) doc(subject, body string) Document {
	return Document{
		Subject: subject,
		BodyHTML: fmt.Sprintf("<html><body>%s<p>The %s team</p></body></html>",
			body, html.EscapeString(r.AppName)),
	}
}

// field reads a payload value as a string, stringifying numbers the JSON
// round-trip turned into float64.
func field(data map[string]any, key, fallback string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return fallback
		}
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
