package creds

import (
	"bytes"
	"testing"
)

func TestXOR_SelfInverse(t *testing.T) {
	payload := []byte("ghp_example_token_1234")
	stream, err := DeriveKeystream("pw", []byte("0123456789abcdef"), len(payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cipher, err := XOR(payload, stream)
	if err != nil {
		t.Fatalf("unexpected error encoding: %v", err)
	}
	if bytes.Equal(cipher, payload) {
		t.Error("ciphertext should differ from plaintext")
	}

	plain, err := XOR(cipher, stream)
	if err != nil {
		t.Fatalf("unexpected error decoding: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Errorf("round trip mismatch: got %q, want %q", plain, payload)
	}
}

func TestXOR_KeystreamTooShort(t *testing.T) {
	if _, err := XOR([]byte("longer payload"), []byte("short")); err == nil {
		t.Error("expected error when keystream is shorter than payload")
	}
}

func TestPlausibleToken(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want bool
	}{
		{"github pat", []byte("ghp_AAAA1234"), true},
		{"empty", nil, false},
		{"contains space", []byte("ghp AAAA"), false},
		{"contains newline", []byte("ghp\nAAAA"), false},
		{"high bytes", []byte{0xff, 0xfe, 0x41}, false},
		{"control bytes", []byte{0x01, 0x41, 0x42}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plausibleToken(tt.in); got != tt.want {
				t.Errorf("plausibleToken(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
