package http

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/lnauth/adapters/verifier/nostrauth"
	"github.com/layer-3/lnauth/core"
	"github.com/layer-3/lnauth/logging"
	"github.com/layer-3/lnauth/remotesigner"
	"github.com/layer-3/lnauth/service"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	statusOK      = "OK"
	statusError   = "error"
	statusPending = "pending"

	callbackPath = "/auth/lnurl/callback"
	schemeKey    = "scheme"
)

// Config holds the presentation details handed out with new challenges
type Config struct {
	// PublicURL is the externally reachable base URL, used to build the LNURL callback
	PublicURL string

	// Relays are suggested to Nostr clients and remote signers
	Relays []string

	// AllowBinding lets clients bind a challenge to an expected public key at issuance
	AllowBinding bool
}

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	config      Config
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, config Config) *AuthHandlers {
	config.PublicURL = strings.TrimRight(config.PublicURL, "/")
	return &AuthHandlers{
		authService: authService,
		config:      config,
	}
}

// Challenge issues a new challenge for the scheme in the path
func (h *AuthHandlers) Challenge(c *gin.Context) {
	scheme, err := schemeOf(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var req struct {
		ExpectedPubKey string `json:"expected_pubkey"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, malformed(err))
			return
		}
	}

	var opts []service.IssueOption
	if req.ExpectedPubKey != "" {
		if !h.config.AllowBinding {
			writeError(c, malformed(errors.New("identity binding is disabled")))
			return
		}
		opts = append(opts, service.ExpectIdentity(req.ExpectedPubKey))
	}

	challenge, err := h.authService.IssueChallenge(c.Request.Context(), scheme, opts...)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"id":         challenge.ID,
		"tag":        "login",
		"expires_at": challenge.ExpiresAt.UTC().Format(time.RFC3339),
	}
	switch scheme {
	case core.SchemeLightning:
		callback := h.config.PublicURL + callbackPath
		encoded, err := EncodeLNURL(lnurlFor(callback, challenge.ID))
		if err != nil {
			writeError(c, err)
			return
		}
		resp["k1"] = challenge.ID
		resp["action"] = "login"
		resp["callback"] = callback
		resp["lnurl"] = encoded
	case core.SchemeNostr:
		resp["challenge"] = challenge.ID
		resp["kind"] = nostrauth.AuthKind
		resp["uri"] = "nostr:" + challenge.ID
		resp["relays"] = h.config.Relays
	}

	c.JSON(http.StatusOK, resp)
}

type lightningBody struct {
	ID        string `json:"id"`
	K1        string `json:"k1"`
	Signature string `json:"signature"`
	Sig       string `json:"sig"`
	PublicKey string `json:"pubkey"`
	Key       string `json:"key"`
}

type nostrBody struct {
	ID          string       `json:"id"`
	Challenge   string       `json:"challenge"`
	Event       *nostr.Event `json:"event"`
	SignedEvent *nostr.Event `json:"signedEvent"`
}

// Verify submits a scheme-specific proof for a challenge
func (h *AuthHandlers) Verify(c *gin.Context) {
	scheme, err := schemeOf(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var req core.VerificationRequest
	switch scheme {
	case core.SchemeLightning:
		var body lightningBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, malformed(err))
			return
		}
		req, err = lightningRequest(firstOf(body.ID, body.K1), firstOf(body.Signature, body.Sig), firstOf(body.PublicKey, body.Key))
	case core.SchemeNostr:
		var body nostrBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, malformed(err))
			return
		}
		req, err = nostrRequest(firstOf(body.ID, body.Challenge), body.Event, body.SignedEvent)
	}
	if err != nil {
		writeError(c, err)
		return
	}

	identity, err := h.authService.SubmitVerification(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   statusOK,
		"identity": identity,
		"pubkey":   identity.PublicKey,
	})
}

// Callback is the LUD-04 wallet callback: GET ?tag=login&k1=..&sig=..&key=..
func (h *AuthHandlers) Callback(c *gin.Context) {
	req, err := lightningRequest(c.Query("k1"), c.Query("sig"), c.Query("key"))
	if err == nil {
		_, err = h.authService.SubmitVerification(c.Request.Context(), req)
	}
	if err != nil {
		logging.FromContext(c.Request.Context()).Debug("lnurl callback rejected", zap.Error(err))
		c.JSON(statusCode(err), gin.H{
			"status": "ERROR",
			"reason": core.Reason(err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusOK})
}

// Status reports the current state of a challenge for polling clients
func (h *AuthHandlers) Status(c *gin.Context) {
	scheme, err := schemeOf(c)
	if err != nil {
		writeError(c, err)
		return
	}
	id := firstOf(c.Query("id"), c.Query("k1"), c.Query("challenge"))

	view, err := h.authService.Status(c.Request.Context(), scheme, id)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{}
	switch view.State {
	case core.StatePending:
		resp["status"] = statusPending
	case core.StateVerified:
		resp["status"] = string(core.StateVerified)
		resp["identity"] = view.Identity
		if view.Identity != nil {
			resp["pubkey"] = view.Identity.PublicKey
		}
		if view.Metadata != nil {
			resp["metadata"] = view.Metadata
		}
	case core.StateExpired:
		resp["status"] = statusError
		resp["reason"] = core.Reason(core.ErrChallengeExpired)
	default:
		resp["status"] = statusError
		resp["reason"] = "VerificationFailed"
	}
	c.JSON(http.StatusOK, resp)
}

// Connect starts a remote signer session that answers a nostr challenge
func (h *AuthHandlers) Connect(c *gin.Context) {
	var req struct {
		ID     string `json:"id" binding:"required"`
		Bunker string `json:"bunker" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, malformed(err))
		return
	}
	if _, err := remotesigner.ParseBunkerURI(req.Bunker); err != nil {
		writeError(c, malformed(err))
		return
	}

	if err := h.authService.ConnectRemoteSigner(c.Request.Context(), req.ID, req.Bunker); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusPending})
}

// Health reports liveness
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func schemeOf(c *gin.Context) (core.Scheme, error) {
	return core.ParseScheme(c.GetString(schemeKey))
}

func lightningRequest(id, sig, key string) (core.VerificationRequest, error) {
	if id == "" || sig == "" || key == "" {
		return nil, malformed(errors.New("k1, sig and key are required"))
	}
	return core.LightningRequest{ChallengeID: id, Signature: sig, PublicKey: key}, nil
}

func nostrRequest(id string, events ...*nostr.Event) (core.VerificationRequest, error) {
	var evt *nostr.Event
	for _, e := range events {
		if e != nil {
			evt = e
			break
		}
	}
	if evt == nil {
		return nil, malformed(errors.New("signed event is required"))
	}
	if id == "" {
		if tag := evt.Tags.GetFirst([]string{nostrauth.ChallengeTag}); tag != nil {
			id = tag.Value()
		}
	}
	if id == "" {
		return nil, malformed(errors.New("challenge id is required"))
	}
	return core.NostrRequest{ChallengeID: id, Event: evt}, nil
}

func lnurlFor(callback, k1 string) string {
	q := url.Values{}
	q.Set("tag", "login")
	q.Set("k1", k1)
	q.Set("action", "login")
	return callback + "?" + q.Encode()
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type malformedError struct{ cause error }

func (e malformedError) Error() string { return "malformed request: " + e.cause.Error() }
func (e malformedError) Unwrap() []error {
	return []error{core.ErrMalformedRequest, e.cause}
}

func malformed(err error) error { return malformedError{cause: err} }

func statusCode(err error) int {
	switch {
	case errors.Is(err, core.ErrChallengeNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrChallengeExpired):
		return http.StatusGone
	case errors.Is(err, core.ErrChallengeAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, core.ErrMalformedRequest), errors.Is(err, core.ErrInvalidEventStructure):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidSignature), errors.Is(err, core.ErrIdentityMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrRemoteSignerTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context()).Error("request failed", zap.Error(err))
	}
	c.JSON(code, gin.H{
		"status": statusError,
		"reason": core.Reason(err),
	})
}
