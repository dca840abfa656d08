package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the required signing key length in bytes.
const KeySize = 32

// ParseKey decodes a 64-character hex string into a signing key. Callers
// read the material from config; generate one with `openssl rand -hex 32`.
func ParseKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, fmt.Errorf("signing key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in signing key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("signing key must be %d bytes (%d hex chars), got %d bytes",
			KeySize, KeySize*2, len(key))
	}
	return key, nil
}
