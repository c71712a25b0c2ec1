package creds

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// keystreamIterations is the PBKDF2 work factor for keystream seeds.
	// Kept modest because the keystream is re-derived on every load.
	keystreamIterations = 4096

	// verifierIterations is the PBKDF2 work factor for the password verifier.
	// Higher than the keystream seed since it is computed once per operation
	// and is the only defense against offline guessing of the verifier file.
	verifierIterations = 65536

	keystreamInfo = "runs-local token keystream"
)

// DeriveKeystream produces n pseudo-random bytes from a password and salt.
// The same (password, salt, n) always yields the same bytes; the salt does
// not need to be secret. The password is stretched with PBKDF2-SHA256 and
// the result expanded to length with HKDF.
func DeriveKeystream(password string, salt []byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keystream length must be positive, got %d", n)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is required")
	}

	seed := pbkdf2.Key([]byte(password), salt, keystreamIterations, sha256.Size, sha256.New)

	stream := make([]byte, n)
	r := hkdf.Expand(sha256.New, seed, []byte(keystreamInfo))
	if _, err := io.ReadFull(r, stream); err != nil {
		return nil, fmt.Errorf("failed to expand keystream: %w", err)
	}
	return stream, nil
}

// hashPassword produces the one-way verifier hash for a password and salt.
// The password is never stored; only this hash is.
func hashPassword(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, verifierIterations, sha256.Size, sha256.New)
}

// verifyPassword reports whether password matches the stored verifier hash.
// Comparison is constant-time. A match is only a first-pass filter: the
// authoritative check is whether decryption yields a plausible token.
func verifyPassword(password string, salt, hash []byte) bool {
	computed := hashPassword(password, salt)
	return subtle.ConstantTimeCompare(computed, hash) == 1
}
