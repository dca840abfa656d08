package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/bdobrica/Kioku/internal/kioku/apperr"
)

const secret = "0123456789abcdef0123456789abcdef"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.StandardClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestHS256_Verify(t *testing.T) {
	v, err := NewHS256(secret)
	if err != nil {
		t.Fatalf("NewHS256: %v", err)
	}
	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	valid := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.StandardClaims{Subject: "u1", ExpiresAt: future})

	tests := []struct {
		name       string
		credential string
		wantOwner  string
	}{
		{"bearer header", "Bearer " + valid, "u1"},
		{"raw token", valid, "u1"},
		{"lowercase scheme", "bearer " + valid, "u1"},
		{"empty", "", ""},
		{"garbage", "Bearer not.a.jwt", ""},
		{"expired", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.StandardClaims{Subject: "u1", ExpiresAt: past}), ""},
		{"no expiry", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.StandardClaims{Subject: "u1"}), ""},
		{"no subject", sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.StandardClaims{ExpiresAt: future}), ""},
		{"wrong secret", sign(t, jwt.SigningMethodHS256, []byte("another-secret-of-enough-length"), jwt.StandardClaims{Subject: "u1", ExpiresAt: future}), ""},
		{"wrong algorithm", sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.StandardClaims{Subject: "u1", ExpiresAt: future}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := v.Verify(context.Background(), tt.credential)
			if tt.wantOwner == "" {
				if !apperr.IsKind(err, apperr.KindAuth) {
					t.Fatalf("expected Auth error, got %v (principal %+v)", err, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if p.OwnerID != tt.wantOwner {
				t.Errorf("owner: got %q, want %q", p.OwnerID, tt.wantOwner)
			}
		})
	}
}

func TestHS256_Issuer(t *testing.T) {
	v, _ := NewHS256(secret)
	v.Issuer = "kioku-auth"
	tok := sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.StandardClaims{Subject: "u1", ExpiresAt: time.Now().Add(time.Hour).Unix(), Issuer: "someone-else"})
	if _, err := v.Verify(context.Background(), tok); !apperr.IsKind(err, apperr.KindAuth) {
		t.Fatalf("expected Auth error, got %v", err)
	}
}

func TestNewHS256_ShortSecret(t *testing.T) {
	if _, err := NewHS256("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestAuthorize(t *testing.T) {
	p := Principal{OwnerID: "u1"}
	if got, err := Authorize(p, ""); err != nil || got != "u1" {
		t.Errorf("empty request: got %q, %v", got, err)
	}
	if got, err := Authorize(p, "u1"); err != nil || got != "u1" {
		t.Errorf("same owner: got %q, %v", got, err)
	}
	if _, err := Authorize(p, "u2"); !apperr.IsKind(err, apperr.KindPermission) {
		t.Errorf("other owner: expected Permission, got %v", err)
	}
}
