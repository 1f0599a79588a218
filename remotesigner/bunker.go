package remotesigner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/layer-3/lnauth/adapters/relay"
	"github.com/layer-3/lnauth/ports"
	"github.com/nbd-wtf/go-nostr"
)

var ErrInvalidBunkerURI = errors.New("invalid bunker uri")

// Pointer is the parsed form of a bunker:// connection string
type Pointer struct {
	SignerPubKey string
	Relays       []string
	Secret       string
}

// ParseBunkerURI parses bunker://<signer-pubkey>?relay=wss://...&relay=...&secret=...
func ParseBunkerURI(uri string) (Pointer, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Pointer{}, fmt.Errorf("%w: %v", ErrInvalidBunkerURI, err)
	}
	if u.Scheme != "bunker" {
		return Pointer{}, fmt.Errorf("%w: scheme %q", ErrInvalidBunkerURI, u.Scheme)
	}
	if !nostr.IsValidPublicKey(u.Host) {
		return Pointer{}, fmt.Errorf("%w: signer key %q", ErrInvalidBunkerURI, u.Host)
	}

	q := u.Query()
	p := Pointer{
		SignerPubKey: u.Host,
		Secret:       q.Get("secret"),
	}
	for _, r := range q["relay"] {
		if r = strings.TrimSpace(r); r != "" {
			p.Relays = append(p.Relays, nostr.NormalizeURL(r))
		}
	}
	if len(p.Relays) == 0 {
		return Pointer{}, fmt.Errorf("%w: no relay", ErrInvalidBunkerURI)
	}
	return p, nil
}

// ConnectURI renders the nostrconnect:// string a signer app scans to initiate a session itself
func ConnectURI(clientPubKey string, relays []string, secret, name string) string {
	q := url.Values{}
	for _, r := range relays {
		q.Add("relay", r)
	}
	if secret != "" {
		q.Set("secret", secret)
	}
	q.Set("perms", MethodSignEvent)
	if name != "" {
		q.Set("name", name)
	}
	return "nostrconnect://" + clientPubKey + "?" + q.Encode()
}

// RelayConnector opens the relays named in a bunker pointer
type RelayConnector func(ctx context.Context, urls []string) (relay.Relay, error)

// Dialer opens a Session per bunker URI and completes the connect handshake
type Dialer struct {
	connect RelayConnector
	opts    []Option
}

// NewDialer creates a Dialer. A nil connector dials the pointer's relays directly.
func NewDialer(connect RelayConnector, opts ...Option) *Dialer {
	if connect == nil {
		connect = func(ctx context.Context, urls []string) (relay.Relay, error) {
			return relay.Dial(ctx, urls)
		}
	}
	return &Dialer{connect: connect, opts: opts}
}

var _ ports.SignerDialer = (*Dialer)(nil)

// Dial connects to the signer named by bunkerURI. The returned signer owns its relay connection.
func (d *Dialer) Dial(ctx context.Context, bunkerURI string) (ports.RemoteSigner, error) {
	p, err := ParseBunkerURI(bunkerURI)
	if err != nil {
		return nil, err
	}

	r, err := d.connect(ctx, p.Relays)
	if err != nil {
		return nil, fmt.Errorf("failed to reach signer relays: %w", err)
	}

	opts := append([]Option{WithOwnedRelay(), WithSecret(p.Secret)}, d.opts...)
	s, err := NewSession(ctx, r, p.SignerPubKey, opts...)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := s.Connect(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
