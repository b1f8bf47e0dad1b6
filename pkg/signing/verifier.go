package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/canvaslink/relay/pkg/protocol"
)

// MaxClockSkew is the accepted |now - iat| window, inclusive.
const MaxClockSkew = 60 * time.Second

// NonceTTL is how long an accepted nonce stays unreplayable.
const NonceTTL = 120 * time.Second

// Error is a verification failure carrying its wire code. ServerTime is set
// only for clock skew so the caller can surface the server's clock.
type Error struct {
	Code       string
	ServerTime int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("signature verification failed: %s", e.Code)
}

// NonceClaimer atomically claims a nonce for an event. Implemented by the
// store; returns false when the nonce was already seen within its TTL.
type NonceClaimer interface {
	ClaimNonce(ctx context.Context, eventID, nonce string, ttl time.Duration) (bool, error)
}

// Input is one signed request to verify.
type Input struct {
	Op          string
	Path        string
	PayloadHash string
	IAT         int64
	Nonce       string
	Sig         string

	// RequireEmptyPayload enforces that PayloadHash is the empty-body hash.
	// Set for ws-auth, where the hash is caller-provided rather than
	// computed by the relay.
	RequireEmptyPayload bool
}

// Verifier checks admission signatures against the process-wide shared
// secret. The zero value is not usable; construct with NewVerifier.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier for the shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify checks field presence, clock skew, nonce freshness and the MAC, in
// that order. The nonce is claimed against the store before the MAC check, so
// a replayed request fails with E_NONCE_REPLAY regardless of its signature.
// A store failure surfaces as E_OVERLOADED.
func (v *Verifier) Verify(ctx context.Context, nonces NonceClaimer, eventID string, in Input) *Error {
	if in.Op == "" || in.Path == "" || in.PayloadHash == "" || in.Nonce == "" || in.Sig == "" || in.IAT == 0 {
		return &Error{Code: protocol.CodeBadField}
	}

	now := v.now()
	skew := now.Unix() - in.IAT
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return &Error{Code: protocol.CodeClockSkew, ServerTime: now.Unix()}
	}

	fresh, err := nonces.ClaimNonce(ctx, eventID, in.Nonce, NonceTTL)
	if err != nil {
		return &Error{Code: protocol.CodeOverloaded}
	}
	if !fresh {
		return &Error{Code: protocol.CodeNonceReplay}
	}

	sig, err := base64.RawURLEncoding.DecodeString(in.Sig)
	if err != nil {
		return &Error{Code: protocol.CodeBadSignature}
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(Canonical(in.Op, in.Path, in.PayloadHash, in.IAT, in.Nonce)))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return &Error{Code: protocol.CodeBadSignature}
	}

	if in.RequireEmptyPayload && in.PayloadHash != EmptyPayloadHash {
		return &Error{Code: protocol.CodeBadPayloadHash}
	}

	return nil
}
