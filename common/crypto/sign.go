// Package crypto signs and verifies short-lived capability strings, such as
// the expiring download links of the local blob store.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrInvalidKeySize   = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("signature expired")
)

// Sign returns the base64url HMAC-SHA256 of message under key.
func Sign(key []byte, message string) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKeySize
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks sig against message in constant time.
func Verify(key []byte, message, sig string) error {
	want, err := Sign(key, message)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignExpiring signs subject together with an expiry and returns the unix
// expiry string and the signature, both meant for query parameters.
func SignExpiring(key []byte, subject string, expires time.Time) (exp, sig string, err error) {
	exp = strconv.FormatInt(expires.Unix(), 10)
	sig, err = Sign(key, subject+"\n"+exp)
	return exp, sig, err
}

// VerifyExpiring validates a pair produced by SignExpiring at time now.
func VerifyExpiring(key []byte, subject, exp, sig string, now time.Time) error {
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if err := Verify(key, subject+"\n"+exp, sig); err != nil {
		return err
	}
	if now.Unix() > unix {
		return ErrExpired
	}
	return nil
}
