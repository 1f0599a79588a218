// Package profile enriches verified Nostr identities with their published kind 0 metadata.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/layer-3/lnauth/adapters/relay"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/logging"
	"github.com/layer-3/lnauth/ports"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"go.uber.org/zap"
)

const DefaultQueryTimeout = 5 * time.Second

// Resolver maps a NIP-05 identifier to the public key its domain vouches for
type Resolver func(ctx context.Context, identifier string) (string, error)

// ResolveNIP05 queries the identifier's domain over https
func ResolveNIP05(ctx context.Context, identifier string) (string, error) {
	pointer, err := nip05.QueryIdentifier(ctx, identifier)
	if err != nil {
		return "", err
	}
	return pointer.PublicKey, nil
}

type content struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Website     string `json:"website"`
	LUD16       string `json:"lud16"`
	NIP05       string `json:"nip05"`
}

// Fetcher reads the newest kind 0 event of an identity from relays
type Fetcher struct {
	relay   relay.Relay
	resolve Resolver
	timeout time.Duration
}

type Option func(*Fetcher)

// WithResolver replaces the NIP-05 resolver
func WithResolver(r Resolver) Option {
	return func(f *Fetcher) { f.resolve = r }
}

func WithQueryTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

func NewFetcher(r relay.Relay, opts ...Option) *Fetcher {
	f := &Fetcher{
		relay:   r,
		resolve: ResolveNIP05,
		timeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ ports.ProfileFetcher = (*Fetcher)(nil)

func (f *Fetcher) FetchProfile(ctx context.Context, identity core.Identity) (*core.Metadata, error) {
	if identity.Scheme != core.SchemeNostr {
		return nil, fmt.Errorf("no profiles for %s identities: %w", identity.Scheme, core.ErrEnrichmentFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	events, err := f.relay.QuerySync(ctx, nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{identity.PublicKey},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("profile query: %v: %w", err, core.ErrEnrichmentFailed)
	}

	latest := newest(events, identity.PublicKey)
	if latest == nil {
		return nil, fmt.Errorf("no profile published: %w", core.ErrEnrichmentFailed)
	}

	var c content
	if err := json.Unmarshal([]byte(latest.Content), &c); err != nil {
		return nil, fmt.Errorf("profile content: %v: %w", err, core.ErrEnrichmentFailed)
	}

	md := &core.Metadata{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		About:       c.About,
		Picture:     c.Picture,
		Website:     c.Website,
		LUD16:       c.LUD16,
		NIP05:       c.NIP05,
	}
	if md.NIP05 != "" {
		pk, err := f.resolve(ctx, md.NIP05)
		switch {
		case err != nil:
			logging.FromContext(ctx).Debug("nip05 lookup failed", zap.String("nip05", md.NIP05), zap.Error(err))
		case pk == identity.PublicKey:
			md.NIP05Verified = true
		}
	}
	return md, nil
}

// newest picks the most recent correctly signed event by author
func newest(events []*nostr.Event, author string) *nostr.Event {
	var latest *nostr.Event
	for _, evt := range events {
		if evt.PubKey != author || evt.Kind != nostr.KindProfileMetadata {
			continue
		}
		if latest != nil && evt.CreatedAt <= latest.CreatedAt {
			continue
		}
		if ok, _ := evt.CheckSignature(); !ok {
			continue
		}
		latest = evt
	}
	return latest
}

// caching implements a caching layer on top of its ProfileFetcher.
// Only successful lookups are cached.
type caching struct {
	cache   *lru.Cache
	fetcher ports.ProfileFetcher
}

func (c *caching) FetchProfile(ctx context.Context, identity core.Identity) (*core.Metadata, error) {
	key := string(identity.Scheme) + ":" + identity.PublicKey
	if md, ok := c.cache.Get(key); ok {
		logging.FromContext(ctx).Debug("retrieved profile from the cache", zap.String("pubkey", identity.PublicKey))
		// SAFETY: only core.Metadata values are inserted.
		md := md.(core.Metadata)
		return &md, nil
	}

	md, err := c.fetcher.FetchProfile(ctx, identity)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, *md)
	return md, nil
}

func NewCaching(size int, fetcher ports.ProfileFetcher) (ports.ProfileFetcher, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &caching{
		cache:   cache,
		fetcher: fetcher,
	}, nil
}
