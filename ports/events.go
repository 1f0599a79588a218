package ports

import (
	"context"

	"github.com/layer-3/lnauth/core"
)

// EventPublisher publishes authentication outcomes to downstream consumers
type EventPublisher interface {
	PublishVerified(ctx context.Context, challenge core.Challenge) error
	PublishFailed(ctx context.Context, challenge core.Challenge, reason string) error
}
