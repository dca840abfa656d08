package crypto_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Kioku/common/crypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.ParseKey(strings.Repeat("ab", crypto.KeySize))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	return key
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", strings.Repeat("0f", 32), false},
		{"surrounding space", "  " + strings.Repeat("0f", 32) + "\n", false},
		{"empty", "", true},
		{"not hex", strings.Repeat("zz", 32), true},
		{"too short", strings.Repeat("0f", 16), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := crypto.ParseKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestSignVerify(t *testing.T) {
	key := testKey(t)
	sig, err := crypto.Sign(key, "exports/memories_u1_1.json")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := crypto.Verify(key, "exports/memories_u1_1.json", sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := crypto.Verify(key, "exports/memories_u2_1.json", sig); !errors.Is(err, crypto.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for other subject, got %v", err)
	}
	if _, err := crypto.Sign([]byte("short"), "x"); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestExpiring(t *testing.T) {
	key := testKey(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	exp, sig, err := crypto.SignExpiring(key, "a/b.json", now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SignExpiring: %v", err)
	}
	if err := crypto.VerifyExpiring(key, "a/b.json", exp, sig, now.Add(time.Hour)); err != nil {
		t.Errorf("valid link rejected: %v", err)
	}
	if err := crypto.VerifyExpiring(key, "a/b.json", exp, sig, now.Add(25*time.Hour)); !errors.Is(err, crypto.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if err := crypto.VerifyExpiring(key, "a/b.json", "999999999999", sig, now); !errors.Is(err, crypto.ErrInvalidSignature) {
		t.Errorf("tampered expiry accepted: %v", err)
	}
}
