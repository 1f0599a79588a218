package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/layer-3/lnauth/adapters/nodesigner"
	"github.com/layer-3/lnauth/adapters/verifier/nostrauth"
	"github.com/layer-3/lnauth/logging"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server       = flag.String("server", "http://localhost:9000", "lnauth base URL")
	scheme       = flag.String("scheme", "lnurl", "lnurl or nostr")
	nodeKey      = flag.String("node-key", "", "hex secp256k1 identity key for lnurl; a fresh key when empty")
	nostrKey     = flag.String("nostr-key", "", "hex nostr secret key; a fresh key when empty")
	linkingKey   = flag.Bool("linking-key", false, "answer through the LUD-04 callback instead of signmessage")
	pollInterval = flag.Duration("poll-interval", 15*time.Second, "status poll interval")
	pollTimeout  = flag.Duration("poll-timeout", 120*time.Second, "give up polling after this long")
	verbose      = flag.Bool("v", false, "debug logging")
)

var errTimeout = errors.New("timed out waiting for verification")

type client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

func main() {
	flagenv.Prefix = "LNAUTH_CLIENT_"
	flagenv.Parse()
	flag.Parse()

	level := zapcore.InfoLevel
	if *verbose {
		level = zapcore.DebugLevel
	}
	logger := logging.New(level, "", false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := &client{
		base:   strings.TrimRight(*server, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
	if err := c.run(ctx); err != nil {
		log.Fatal(err)
	}
}

func (c *client) run(ctx context.Context) error {
	ch, err := c.post(ctx, "/auth/"+*scheme+"/challenge", nil)
	if err != nil {
		return fmt.Errorf("request challenge: %w", err)
	}
	id, _ := ch["id"].(string)
	if id == "" {
		return fmt.Errorf("server returned no challenge id")
	}
	c.logger.Info("challenge issued", zap.String("id", id), zap.Any("expires_at", ch["expires_at"]))

	switch *scheme {
	case "lnurl":
		err = c.answerLightning(ctx, id, ch)
	case "nostr":
		err = c.answerNostr(ctx, id, ch)
	default:
		err = fmt.Errorf("unknown scheme %q", *scheme)
	}
	if err != nil {
		return err
	}
	return c.poll(ctx, id)
}

func (c *client) answerLightning(ctx context.Context, id string, ch map[string]any) error {
	signer, err := nodeSigner()
	if err != nil {
		return err
	}
	key, err := signer.Identity(ctx)
	if err != nil {
		return err
	}

	if *linkingKey {
		callback, _ := ch["callback"].(string)
		sig, err := signer.SignK1(id)
		if err != nil {
			return err
		}
		q := url.Values{"tag": {"login"}, "k1": {id}, "sig": {sig}, "key": {key}}
		resp, err := c.get(ctx, callback+"?"+q.Encode())
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		c.logger.Info("callback answered", zap.Any("status", resp["status"]))
		return nil
	}

	sig, err := signer.SignMessage(ctx, []byte(id))
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, "/auth/lnurl/verify", map[string]string{
		"id":        id,
		"signature": sig,
		"pubkey":    key,
	})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	c.logger.Info("signature accepted", zap.Any("identity", resp["identity"]))
	return nil
}

func (c *client) answerNostr(ctx context.Context, id string, ch map[string]any) error {
	sk := *nostrKey
	if sk == "" {
		sk = nostr.GeneratePrivateKey()
	}

	var relay string
	if relays, ok := ch["relays"].([]any); ok && len(relays) > 0 {
		relay, _ = relays[0].(string)
	}
	evt := nostrauth.NewAuthEvent(id, relay, time.Now())
	if err := evt.Sign(sk); err != nil {
		return fmt.Errorf("sign auth event: %w", err)
	}

	resp, err := c.post(ctx, "/auth/nostr/verify", map[string]any{"id": id, "event": evt})
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	c.logger.Info("event accepted", zap.Any("identity", resp["identity"]))
	return nil
}

func (c *client) poll(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, *pollTimeout)
	defer cancel()

	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()

	for {
		resp, err := c.get(ctx, c.base+"/auth/"+*scheme+"/status?id="+url.QueryEscape(id))
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		switch resp["status"] {
		case "verified":
			c.logger.Info("verified", zap.Any("identity", resp["identity"]), zap.Any("metadata", resp["metadata"]))
			return nil
		case "error":
			return fmt.Errorf("challenge failed: %v", resp["reason"])
		}
		c.logger.Debug("still pending")

		select {
		case <-ctx.Done():
			return errTimeout
		case <-ticker.C:
		}
	}
}

func (c *client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *client) get(ctx context.Context, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) (map[string]any, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: %w", resp.Status, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("%s: %v", resp.Status, out["reason"])
	}
	return out, nil
}

func nodeSigner() (*nodesigner.KeySigner, error) {
	if *nodeKey == "" {
		return nodesigner.Generate()
	}
	return nodesigner.FromHex(*nodeKey)
}
