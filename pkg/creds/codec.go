package creds

import "fmt"

// XOR applies the keystream to the payload byte-wise. Encoding and decoding
// are the same operation (XOR is self-inverse). The keystream must be at
// least as long as the payload; no authentication tag is produced, so a
// wrong keystream silently yields garbage. Callers filter wrong passwords
// with the verifier and sanity-check the decoded token shape.
func XOR(payload, keystream []byte) ([]byte, error) {
	if len(keystream) < len(payload) {
		return nil, fmt.Errorf("keystream too short: %d bytes for %d byte payload", len(keystream), len(payload))
	}
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ keystream[i]
	}
	return out, nil
}

// plausibleToken reports whether decrypted bytes look like a credential:
// non-empty printable ASCII with no whitespace. Used to catch wrong-password
// decryptions that slipped past the verifier, and corrupt ciphertext.
func plausibleToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c <= 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}
