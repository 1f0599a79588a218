package core

import "errors"

var (
	ErrChallengeNotFound        = errors.New("challenge not found")
	ErrChallengeExpired         = errors.New("challenge has expired")
	ErrChallengeAlreadyResolved = errors.New("challenge already resolved")
	ErrMalformedRequest         = errors.New("malformed request")
	ErrInvalidSignature         = errors.New("invalid signature")
	ErrInvalidEventStructure    = errors.New("invalid event structure")
	ErrRemoteSignerTimeout      = errors.New("remote signer timed out")
	ErrEnrichmentFailed         = errors.New("metadata enrichment failed")
	ErrDuplicateChallenge       = errors.New("challenge id already in use")
	ErrInvalidTransition        = errors.New("invalid challenge state transition")
	ErrIdentityMismatch         = errors.New("signer does not match the expected identity")
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrChallengeNotFound, "ChallengeNotFound"},
	{ErrChallengeExpired, "ChallengeExpired"},
	{ErrChallengeAlreadyResolved, "ChallengeAlreadyResolved"},
	{ErrMalformedRequest, "MalformedRequest"},
	{ErrInvalidEventStructure, "InvalidEventStructure"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrIdentityMismatch, "InvalidSignature"},
	{ErrRemoteSignerTimeout, "RemoteSignerTimeout"},
	{ErrEnrichmentFailed, "EnrichmentFailed"},
}

// Reason returns the stable, client-facing reason string for err
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "InternalError"
}

// IsVerificationFailure reports whether err came out of a verifier rejecting a proof,
// as opposed to the request being unusable or the challenge being unavailable
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidEventStructure) ||
		errors.Is(err, ErrIdentityMismatch)
}
