package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T, passphrase string) *Sealer {
	t.Helper()
	s, err := NewSealer(passphrase)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

// TestSealOpen_roundtrip verifies basic encryption and decryption.
func TestSealOpen_roundtrip(t *testing.T) {
	s := newTestSealer(t, "correct horse")
	plaintext := []byte(`{"case:c1":"..."}`)

	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Error("Seal() output missing header")
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("Seal() output contains plaintext")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

// TestOpen_freshSealer verifies a new Sealer with the same passphrase reads
// an existing payload and keeps its salt.
func TestOpen_freshSealer(t *testing.T) {
	sealed, err := newTestSealer(t, "pw").Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	s := newTestSealer(t, "pw")
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Open() = %q", got)
	}

	again, err := s.Seal([]byte("x"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !bytes.Equal(again[len(magic):len(magic)+saltSize], sealed[len(magic):len(magic)+saltSize]) {
		t.Error("Seal() after Open() should reuse the stored salt")
	}
}

// TestSeal_uniqueNonce verifies each seal produces unique output.
func TestSeal_uniqueNonce(t *testing.T) {
	s := newTestSealer(t, "pw")
	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("Seal() produced identical output twice")
	}
}

// TestOpen_wrongPassphrase verifies a wrong passphrase is rejected.
func TestOpen_wrongPassphrase(t *testing.T) {
	sealed, _ := newTestSealer(t, "right").Seal([]byte("secret"))
	_, err := newTestSealer(t, "wrong").Open(sealed)
	if !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestOpen_invalid verifies malformed payloads are rejected.
func TestOpen_invalid(t *testing.T) {
	s := newTestSealer(t, "pw")
	sealed, _ := s.Seal([]byte("secret"))
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"plain json", []byte(`{"a":1}`)},
		{"header only", magic},
		{"truncated", sealed[:len(magic)+saltSize+2]},
		{"tampered", tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Open(tt.data); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Open() error = %v, want ErrInvalidCiphertext", err)
			}
		})
	}
}

// TestNewSealer_emptyKey verifies an empty passphrase is rejected.
func TestNewSealer_emptyKey(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewSealer(\"\") error = %v, want ErrInvalidKey", err)
	}
}
