package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/ports"
)

const (
	TopicVerified = "lnauth.verified"
	TopicFailed   = "lnauth.failed"
)

// VerifiedEvent is emitted once when a challenge reaches the verified state
type VerifiedEvent struct {
	ChallengeID string        `json:"challenge_id"`
	Scheme      core.Scheme   `json:"scheme"`
	Identity    core.Identity `json:"identity"`
	VerifiedAt  time.Time     `json:"verified_at"`
}

// FailedEvent is emitted once when a verification attempt fails a challenge
type FailedEvent struct {
	ChallengeID string      `json:"challenge_id"`
	Scheme      core.Scheme `json:"scheme"`
	Reason      string      `json:"reason"`
	FailedAt    time.Time   `json:"failed_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher     message.Publisher
	verifiedTopic string
	failedTopic   string
	now           func() time.Time
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher:     publisher,
		verifiedTopic: TopicVerified,
		failedTopic:   TopicFailed,
		now:           time.Now,
	}
}

// PublishVerified publishes a verification event
func (p *WatermillPublisher) PublishVerified(ctx context.Context, challenge core.Challenge) error {
	if challenge.Identity == nil {
		return fmt.Errorf("verified event without identity: %w", core.ErrInvalidTransition)
	}
	return p.publish(ctx, p.verifiedTopic, challenge.ID, VerifiedEvent{
		ChallengeID: challenge.ID,
		Scheme:      challenge.Scheme,
		Identity:    *challenge.Identity,
		VerifiedAt:  p.now().UTC(),
	})
}

// PublishFailed publishes a failure event
func (p *WatermillPublisher) PublishFailed(ctx context.Context, challenge core.Challenge, reason string) error {
	return p.publish(ctx, p.failedTopic, challenge.ID, FailedEvent{
		ChallengeID: challenge.ID,
		Scheme:      challenge.Scheme,
		Reason:      reason,
		FailedAt:    p.now().UTC(),
	})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, challengeID string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("challenge_id", challengeID)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
