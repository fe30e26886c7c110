package engine

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"strings"
)

// pinVerifier returns a tls.Config.VerifyConnection callback that accepts
// only the leaf certificate whose SHA-256 fingerprint was recorded when the
// node was registered.
func pinVerifier(fingerprint string) func(tls.ConnectionState) error {
	want := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("control endpoint presented no certificate")
		}
		sum := sha256.Sum256(cs.PeerCertificates[0].Raw)
		got := hex.EncodeToString(sum[:])
		if got != want {
			return fmt.Errorf("control endpoint certificate fingerprint mismatch: got %s", got)
		}
		return nil
	}
}
