package change

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPush separates push fingerprints from any other hash in the system.
const DomainPush = "offsync/push/v1"

// Fingerprint returns a stable SHA-256 identity for a push body.
// Two requests with the same changes have the same fingerprint regardless of
// map iteration order, which makes retried pushes easy to correlate in logs.
func Fingerprint(req PushRequest) (string, error) {
	canonical, err := MarshalCanonical(req)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainPush, canonical), nil
}

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
