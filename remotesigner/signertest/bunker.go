// Package signertest runs a scripted remote signer on a relay for tests.
package signertest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Relay is the subset of relay.Relay the bunker needs
type Relay interface {
	Publish(ctx context.Context, evt nostr.Event) error
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
}

// Bunker answers connect, get_public_key and sign_event for one user key
type Bunker struct {
	relay    Relay
	signerSK string
	signerPK string
	userSK   string
	userPK   string
	secret   string

	// Mutate, when set before Run, edits each signed event before it is returned
	Mutate func(*nostr.Event)

	silent   atomic.Bool
	delay    atomic.Int64
	requests atomic.Int64
}

// New creates a bunker with fresh signer and user keys
func New(r Relay) *Bunker {
	b := &Bunker{
		relay:    r,
		signerSK: nostr.GeneratePrivateKey(),
		userSK:   nostr.GeneratePrivateKey(),
		secret:   nostr.GeneratePrivateKey()[:16],
	}
	b.signerPK, _ = nostr.GetPublicKey(b.signerSK)
	b.userPK, _ = nostr.GetPublicKey(b.userSK)
	return b
}

func (b *Bunker) SignerPubKey() string { return b.signerPK }
func (b *Bunker) UserPubKey() string   { return b.userPK }
func (b *Bunker) Secret() string       { return b.secret }
func (b *Bunker) Requests() int        { return int(b.requests.Load()) }

// SetSilent makes the bunker drop requests without answering
func (b *Bunker) SetSilent(silent bool) { b.silent.Store(silent) }

// SetDelay holds each answer back by d
func (b *Bunker) SetDelay(d time.Duration) { b.delay.Store(int64(d)) }

// URI returns a bunker:// string pointing at this signer
func (b *Bunker) URI(relayURL string) string {
	q := url.Values{}
	q.Set("relay", relayURL)
	q.Set("secret", b.secret)
	return "bunker://" + b.signerPK + "?" + q.Encode()
}

// Start subscribes for requests and serves them in the background until ctx is done.
// Requests published after Start returns are never missed.
func (b *Bunker) Start(ctx context.Context) error {
	events, err := b.relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{b.signerPK}},
	}})
	if err != nil {
		return err
	}
	go b.serve(ctx, events)
	return nil
}

func (b *Bunker) serve(ctx context.Context, events <-chan *nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			b.requests.Add(1)
			if b.silent.Load() {
				continue
			}
			go b.answer(ctx, evt)
		}
	}
}

func (b *Bunker) answer(ctx context.Context, evt *nostr.Event) {
	convKey, err := nip44.GenerateConversationKey(evt.PubKey, b.signerSK)
	if err != nil {
		return
	}
	plaintext, err := nip44.Decrypt(evt.Content, convKey)
	if err != nil {
		return
	}

	var req struct {
		ID     string   `json:"id"`
		Method string   `json:"method"`
		Params []string `json:"params"`
	}
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return
	}

	resp := map[string]string{"id": req.ID}
	result, err := b.handle(req.Method, req.Params)
	if err != nil {
		resp["error"] = err.Error()
	} else {
		resp["result"] = result
	}

	if d := time.Duration(b.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}

	payload, _ := json.Marshal(resp)
	content, err := nip44.Encrypt(string(payload), convKey)
	if err != nil {
		return
	}
	reply := nostr.Event{
		Kind:      nostr.KindNostrConnect,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", evt.PubKey}},
		Content:   content,
	}
	if err := reply.Sign(b.signerSK); err != nil {
		return
	}
	_ = b.relay.Publish(ctx, reply)
}

func (b *Bunker) handle(method string, params []string) (string, error) {
	switch method {
	case "connect":
		if len(params) < 2 || params[1] != b.secret {
			return "", fmt.Errorf("bad secret")
		}
		return "ack", nil
	case "get_public_key":
		return b.userPK, nil
	case "sign_event":
		if len(params) != 1 {
			return "", fmt.Errorf("sign_event takes one param")
		}
		var evt nostr.Event
		if err := json.Unmarshal([]byte(params[0]), &evt); err != nil {
			return "", err
		}
		if err := evt.Sign(b.userSK); err != nil {
			return "", err
		}
		if b.Mutate != nil {
			b.Mutate(&evt)
		}
		raw, err := json.Marshal(evt)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unsupported method %s", method)
	}
}
