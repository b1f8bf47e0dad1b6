// Package signing implements the control-plane admission signature: an
// HMAC-SHA256 over a canonical newline-joined tuple, with clock-skew bounds
// and per-event nonce replay defense.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
)

// Signed operations. The op is the first field of the canonical string.
const (
	OpRegisterPC = "register-pc"
	OpPendingSID = "pending-sid"
	OpWSAuth     = "ws-auth"
)

// Signing headers on HTTP admission requests.
const (
	HeaderIAT   = "X-Relay-Iat"
	HeaderNonce = "X-Relay-Nonce"
	HeaderSig   = "X-Relay-Sig"
)

// EmptyPayloadHash is the hex SHA-256 of the empty byte string. ws-auth
// callers must present exactly this value as their payloadHash.
const EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// PayloadHash returns the lowercase hex SHA-256 of the request body bytes.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Canonical builds the canonical string that is the HMAC input:
//
//	op \n path \n payloadHashHex \n iatSeconds \n nonce
func Canonical(op, path, payloadHash string, iat int64, nonce string) string {
	return strings.Join([]string{
		op,
		path,
		payloadHash,
		strconv.FormatInt(iat, 10),
		nonce,
	}, "\n")
}

// Sign computes the base64url (unpadded) HMAC-SHA256 signature of the
// canonical tuple. Used by clients and test helpers; the relay itself only
// verifies.
func Sign(secret []byte, op, path, payloadHash string, iat int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Canonical(op, path, payloadHash, iat, nonce)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
