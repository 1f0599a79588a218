// Package relay provides the publish/subscribe message bus used to reach remote
// signers and to look up profile metadata.
package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Relay is a duplex connection to one or more Nostr relays
type Relay interface {
	// Publish sends a signed event
	Publish(ctx context.Context, evt nostr.Event) error

	// Subscribe streams events matching filters until ctx is done
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)

	// QuerySync returns stored events matching filter
	QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error)

	// URLs returns the relay endpoints behind this connection
	URLs() []string

	Close() error
}
