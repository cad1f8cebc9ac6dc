package security

import (
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	token, err := EncryptString("hunter2")
	if err != nil {
		t.Fatalf("unexpected error encrypting: %v", err)
	}

	plain, err := DecryptString(token)
	if err != nil {
		t.Fatalf("unexpected error decrypting: %v", err)
	}
	if plain != "hunter2" {
		t.Fatalf("expected round trip to return original, got %q", plain)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	if _, err := DecryptString("not-base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}

	// Valid base64, but not produced by EncryptString.
	if _, err := DecryptString("c2hvcnQ="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext for short payload, got %v", err)
	}
}

func TestDecryptRejectsTamperedToken(t *testing.T) {
	token, err := EncryptString("secret")
	if err != nil {
		t.Fatalf("unexpected error encrypting: %v", err)
	}

	tampered := []byte(token)
	tampered[len(tampered)-5] ^= 1

	if _, err := DecryptString(string(tampered)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected ErrInvalidCiphertext for tampered token, got %v", err)
	}
}
