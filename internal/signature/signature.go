// Package signature authenticates inbound webhook payloads with HMAC-SHA256.
//
// The digest is always computed over the exact bytes received on the wire.
// Re-encoding a parsed payload is not guaranteed to be byte-identical, so
// callers must hand over the raw body before any JSON decoding.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrMalformedSignature means the provided signature could not be decoded.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrEmptySecret means no shared secret was configured.
	ErrEmptySecret = errors.New("empty shared secret")
)

const rawSecretPrefix = "raw:"

// Verify reports whether signature is the HMAC-SHA256 of payload under secret.
// The signature may be hex or base64 encoded. A mismatch returns (false, nil);
// only undecodable input or a missing secret produce an error.
func Verify(payload []byte, signature string, secret []byte) (bool, error) {
	if len(secret) == 0 {
		return false, ErrEmptySecret
	}
	provided, err := decode(signature)
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided), nil
}

// Sign returns the base64 HMAC-SHA256 of payload, the encoding Attendee sends.
func Sign(payload []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DecodeSecret turns a configured secret into key bytes. Secrets are base64
// unless written as "raw:<literal>".
func DecodeSecret(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptySecret
	}
	if strings.HasPrefix(s, rawSecretPrefix) {
		return []byte(strings.TrimPrefix(s, rawSecretPrefix)), nil
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("webhook secret is not valid base64 (use the raw: prefix for literal secrets)")
	}
	return key, nil
}

func decode(signature string) ([]byte, error) {
	signature = strings.TrimSpace(signature)
	// some senders prefix the scheme, e.g. "sha256=<hex>"
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return nil, ErrMalformedSignature
	}
	if len(signature) == hex.EncodedLen(sha256.Size) {
		if b, err := hex.DecodeString(signature); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(signature); err == nil {
			return b, nil
		}
	}
	return nil, ErrMalformedSignature
}
