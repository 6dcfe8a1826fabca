package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for digests. The version suffix allows algorithm migration.
const (
	DomainSignature = "circles/signature/v1"
	DomainShare     = "circles/share/v1"
)

// Digest computes SHA256(domain + 0x00 + data) as lowercase hex.
// The NUL separator prevents domain/data boundary ambiguity.
func Digest(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign computes HMAC-SHA256 over the domain-separated data with secret.
func Sign(secret string, data []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(DomainSignature))
	mac.Write([]byte{0x00})
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the Sign of data under secret.
// The comparison is constant time.
func VerifySignature(secret string, data []byte, sig string) bool {
	want, err := hex.DecodeString(Sign(secret, data))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
