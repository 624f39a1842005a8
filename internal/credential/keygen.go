package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// keyPrefix makes issued keys recognisable to humans and secret scanners.
const keyPrefix = "sk_story_"

// keyPrefixLogLen is how many characters of a plaintext key may appear in
// logs and stored prefixes.
const keyPrefixLogLen = 8

// generateKey returns a fresh plaintext API key with 256 bits of entropy
// rendered as hex under a fixed prefix, plus its stable public key id.
func generateKey() (keyValue, keyID string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating key material: %w", err)
	}
	keyValue = keyPrefix + hex.EncodeToString(raw)
	keyID = "key_" + uuid.NewString()
	return keyValue, keyID, nil
}

// digest computes the stored lookup digest of a plaintext key.
func digest(keyValue string) string {
	sum := sha256.Sum256([]byte(keyValue))
	return hex.EncodeToString(sum[:])
}

// loggablePrefix returns the short key fragment that is safe to log.
func loggablePrefix(keyValue string) string {
	if len(keyValue) <= keyPrefixLogLen {
		return keyValue
	}
	return keyValue[:keyPrefixLogLen]
}
