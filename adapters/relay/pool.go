package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/layer-3/lnauth/logging"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const seenCacheSize = 4096

var ErrNoRelays = errors.New("relay: no relay reachable")

// Pool fans publishes out to every connected relay and merges subscriptions
type Pool struct {
	relays []*nostr.Relay
}

// Dial connects to every url, skipping the ones that fail. At least one must succeed.
func Dial(ctx context.Context, urls []string) (*Pool, error) {
	logger := logging.FromContext(ctx)

	var (
		result *multierror.Error
		relays []*nostr.Relay
	)
	for _, url := range urls {
		r, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			logger.Warn("relay connection failed", zap.String("url", url), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", url, err))
			continue
		}
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoRelays, result.ErrorOrNil())
	}
	return &Pool{relays: relays}, nil
}

var _ Relay = (*Pool)(nil)

// Publish succeeds if at least one relay accepted the event
func (p *Pool) Publish(ctx context.Context, evt nostr.Event) error {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		result  *multierror.Error
		success bool
	)
	for _, r := range p.relays {
		wg.Add(1)
		go func(r *nostr.Relay) {
			defer wg.Done()
			err := r.Publish(ctx, evt)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: %w", r.URL, err))
				return
			}
			success = true
		}(r)
	}
	wg.Wait()

	if !success {
		return fmt.Errorf("publish failed on every relay: %w", result.ErrorOrNil())
	}
	return nil
}

// Subscribe merges the subscriptions of every relay, dropping duplicates
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	seen, err := lru.New(seenCacheSize)
	if err != nil {
		return nil, err
	}
	out := make(chan *nostr.Event)

	var (
		wg     sync.WaitGroup
		result *multierror.Error
		subs   int
	)
	for _, r := range p.relays {
		sub, err := r.Subscribe(ctx, filters)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.URL, err))
			continue
		}
		subs++

		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-sub.Events:
					if !ok {
						return
					}
					if dup, _ := seen.ContainsOrAdd(evt.ID, struct{}{}); dup {
						continue
					}
					select {
					case out <- evt:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}
	if subs == 0 {
		return nil, fmt.Errorf("subscribe failed on every relay: %w", result.ErrorOrNil())
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// QuerySync asks every relay and returns the union of stored events
func (p *Pool) QuerySync(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	var (
		result *multierror.Error
		events []*nostr.Event
		ids    = make(map[string]struct{})
		ok     bool
	)
	for _, r := range p.relays {
		found, err := r.QuerySync(ctx, filter)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.URL, err))
			continue
		}
		ok = true
		for _, evt := range found {
			if _, dup := ids[evt.ID]; dup {
				continue
			}
			ids[evt.ID] = struct{}{}
			events = append(events, evt)
		}
	}
	if !ok {
		return nil, fmt.Errorf("query failed on every relay: %w", result.ErrorOrNil())
	}
	return events, nil
}

func (p *Pool) URLs() []string {
	urls := make([]string, 0, len(p.relays))
	for _, r := range p.relays {
		urls = append(urls, r.URL)
	}
	return urls
}

func (p *Pool) Close() error {
	var result *multierror.Error
	for _, r := range p.relays {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
