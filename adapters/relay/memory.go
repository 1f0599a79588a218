package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

type subscriber struct {
	ctx     context.Context
	filters nostr.Filters
	events  chan *nostr.Event
}

// Memory is an in-process relay. It lets a remote signer and its client, or a
// profile publisher and its reader, talk without a network.
type Memory struct {
	mu     sync.Mutex
	stored []*nostr.Event
	subs   map[*subscriber]struct{}
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*subscriber]struct{})}
}

var _ Relay = (*Memory)(nil)

// Publish stores evt and delivers it to every matching subscriber. Ephemeral kinds are not stored.
func (m *Memory) Publish(ctx context.Context, evt nostr.Event) error {
	m.mu.Lock()
	if !isEphemeral(evt.Kind) {
		m.stored = append(m.stored, &evt)
	}
	targets := make([]*subscriber, 0, len(m.subs))
	for s := range m.subs {
		if s.filters.Match(&evt) {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		e := evt
		select {
		case s.events <- &e:
		case <-s.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	s := &subscriber{
		ctx:     ctx,
		filters: filters,
		events:  make(chan *nostr.Event, 16),
	}

	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	}()
	return s.events, nil
}

func (m *Memory) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*nostr.Event
	for i := len(m.stored) - 1; i >= 0; i-- {
		if filter.Matches(m.stored[i]) {
			out = append(out, m.stored[i])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) URLs() []string { return []string{"memory://"} }

func (m *Memory) Close() error { return nil }

func isEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}
