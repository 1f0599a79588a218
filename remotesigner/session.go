// Package remotesigner talks to a Nostr remote signer ("bunker") over relays.
//
// Each call is a JSON-RPC style request encrypted with NIP-44 to the signer's key
// and published as a kind 24133 event. Responses come back addressed to an
// ephemeral client key and are matched to their caller by request id.
package remotesigner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/lnauth/adapters/relay"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
	"go.uber.org/zap"
)

const (
	// Kind is the NIP-46 request/response event kind
	Kind = nostr.KindNostrConnect

	DefaultCallTimeout = 30 * time.Second

	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodSignEvent    = "sign_event"
)

var (
	ErrSignerRejected = errors.New("remote signer rejected the request")
	ErrSessionClosed  = errors.New("remote signer session closed")
)

type request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

type eventTemplate struct {
	Kind      int             `json:"kind"`
	Content   string          `json:"content"`
	Tags      nostr.Tags      `json:"tags"`
	CreatedAt nostr.Timestamp `json:"created_at"`
}

// Session is one logical connection between an ephemeral client key and a remote signer
type Session struct {
	relay    relay.Relay
	ownRelay bool

	clientSK string
	clientPK string
	signerPK string
	secret   string
	convKey  [32]byte
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan response

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Session
type Option func(*Session)

// WithCallTimeout bounds how long a call waits for its response
func WithCallTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithSecret sets the connection secret handed to the signer on connect
func WithSecret(secret string) Option {
	return func(s *Session) { s.secret = secret }
}

// WithOwnedRelay makes Close also close the relay
func WithOwnedRelay() Option {
	return func(s *Session) { s.ownRelay = true }
}

// NewSession creates an ephemeral client key and starts listening for the signer's replies
func NewSession(ctx context.Context, r relay.Relay, signerPubKey string, opts ...Option) (*Session, error) {
	clientSK := nostr.GeneratePrivateKey()
	clientPK, err := nostr.GetPublicKey(clientSK)
	if err != nil {
		return nil, fmt.Errorf("failed to derive client key: %w", err)
	}

	convKey, err := nip44.GenerateConversationKey(signerPubKey, clientSK)
	if err != nil {
		return nil, fmt.Errorf("invalid signer public key: %w", err)
	}

	s := &Session{
		relay:    r,
		clientSK: clientSK,
		clientPK: clientPK,
		signerPK: signerPubKey,
		convKey:  convKey,
		timeout:  DefaultCallTimeout,
		pending:  make(map[string]chan response),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.FromContext(ctx).Named("remote-signer").With(
		zap.String("signer", signerPubKey),
		zap.String("client", clientPK),
	)

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := r.Subscribe(listenCtx, nostr.Filters{{
		Kinds:   []int{Kind},
		Authors: []string{signerPubKey},
		Tags:    nostr.TagMap{"p": []string{clientPK}},
	}})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe for signer responses: %w", err)
	}
	s.cancel = cancel

	go s.dispatch(listenCtx, events)
	return s, nil
}

// ClientPubKey returns the ephemeral key responses are addressed to
func (s *Session) ClientPubKey() string { return s.clientPK }

// SignerPubKey returns the remote signer's key
func (s *Session) SignerPubKey() string { return s.signerPK }

// Connect performs the connect handshake, presenting the secret if one was given
func (s *Session) Connect(ctx context.Context) error {
	params := []string{s.signerPK}
	if s.secret != "" {
		params = append(params, s.secret)
	}

	result, err := s.Call(ctx, MethodConnect, params...)
	if err != nil {
		return err
	}
	if result != "ack" && (s.secret == "" || result != s.secret) {
		return fmt.Errorf("connect answered %q: %w", result, ErrSignerRejected)
	}
	return nil
}

// GetPublicKey asks the signer which user key it signs for
func (s *Session) GetPublicKey(ctx context.Context) (string, error) {
	pk, err := s.Call(ctx, MethodGetPublicKey)
	if err != nil {
		return "", err
	}
	if !nostr.IsValidPublicKey(pk) {
		return "", fmt.Errorf("signer returned malformed public key %q: %w", pk, ErrSignerRejected)
	}
	return pk, nil
}

// SignEvent asks the signer to sign template and returns the fully formed event
func (s *Session) SignEvent(ctx context.Context, template nostr.Event) (*nostr.Event, error) {
	raw, err := json.Marshal(eventTemplate{
		Kind:      template.Kind,
		Content:   template.Content,
		Tags:      template.Tags,
		CreatedAt: template.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event template: %w", err)
	}

	result, err := s.Call(ctx, MethodSignEvent, string(raw))
	if err != nil {
		return nil, err
	}

	var signed nostr.Event
	if err := json.Unmarshal([]byte(result), &signed); err != nil {
		return nil, fmt.Errorf("signer returned undecodable event: %v: %w", err, ErrSignerRejected)
	}
	return &signed, nil
}

// Call sends one request and blocks until its response arrives, the call times out,
// ctx is cancelled or the session is closed. The pending entry is always removed on return.
func (s *Session) Call(ctx context.Context, method string, params ...string) (string, error) {
	if params == nil {
		params = []string{}
	}
	req := request{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
	}

	waiter := make(chan response, 1)
	s.mu.Lock()
	s.pending[req.ID] = waiter
	s.mu.Unlock()
	defer s.forget(req.ID)

	evt, err := s.envelope(req)
	if err != nil {
		return "", err
	}
	if err := s.relay.Publish(ctx, evt); err != nil {
		callsTotal.WithLabelValues(method, "publish_error").Inc()
		return "", fmt.Errorf("failed to publish %s request: %w", method, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp.Error != "" {
			callsTotal.WithLabelValues(method, "rejected").Inc()
			return "", fmt.Errorf("%s: %w: %s", method, ErrSignerRejected, resp.Error)
		}
		callsTotal.WithLabelValues(method, "ok").Inc()
		return resp.Result, nil
	case <-timer.C:
		callsTotal.WithLabelValues(method, "timeout").Inc()
		return "", fmt.Errorf("%s after %s: %w", method, s.timeout, core.ErrRemoteSignerTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			callsTotal.WithLabelValues(method, "timeout").Inc()
			return "", fmt.Errorf("%s: %w: %w", method, core.ErrRemoteSignerTimeout, ctx.Err())
		}
		return "", ctx.Err()
	case <-s.done:
		return "", ErrSessionClosed
	}
}

// Pending returns the number of calls still waiting for a response
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops listening and fails every outstanding call
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
		if s.ownRelay {
			err = s.relay.Close()
		}
	})
	return err
}

func (s *Session) envelope(req request) (nostr.Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encode request: %w", err)
	}
	content, err := nip44.Encrypt(string(payload), s.convKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("failed to encrypt request: %w", err)
	}

	evt := nostr.Event{
		Kind:      Kind,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", s.signerPK}},
		Content:   content,
	}
	if err := evt.Sign(s.clientSK); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign request: %w", err)
	}
	return evt, nil
}

func (s *Session) dispatch(ctx context.Context, events <-chan *nostr.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.deliver(evt)
		}
	}
}

func (s *Session) deliver(evt *nostr.Event) {
	if evt.PubKey != s.signerPK {
		return
	}
	if ok, _ := evt.CheckSignature(); !ok {
		s.logger.Debug("dropping response with bad signature", zap.String("event", evt.ID))
		return
	}

	plaintext, err := nip44.Decrypt(evt.Content, s.convKey)
	if err != nil {
		s.logger.Debug("dropping undecryptable response", zap.String("event", evt.ID), zap.Error(err))
		return
	}
	var resp response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		s.logger.Debug("dropping malformed response", zap.String("event", evt.ID), zap.Error(err))
		return
	}

	if resp.Result == "auth_url" {
		s.logger.Info("remote signer requires user approval", zap.String("request", resp.ID), zap.String("url", resp.Error))
		return
	}

	s.mu.Lock()
	waiter, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping response without waiter", zap.String("request", resp.ID))
		return
	}
	waiter <- resp
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}
