package identity

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"vigil/internal/types"
)

// keyPrefix marks vigil-minted keys so stray credentials are recognizable
// in logs and config files without revealing anything.
const keyPrefix = "vg_"

const keyRandomBytes = 32

// MintKey generates a fresh API key and its bcrypt hash. The plaintext is
// returned exactly once, at agent creation; only the hash is stored.
func MintKey() (key, hash string, err error) {
	return mintKey(bcrypt.DefaultCost)
}

func mintKey(cost int) (key, hash string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("mint api key: %w", err)
	}
	key = keyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, string(h), nil
}

// VerifyKey checks a presented key against the stored hash. A mismatch or
// empty input reports KindAuthRequired; the message never echoes the key.
func VerifyKey(hash, key string) error {
	if key == "" {
		return types.E(types.KindAuthRequired, "api key required")
	}
	if hash == "" {
		return types.E(types.KindAuthRequired, "agent has no key on record")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return types.Wrap(types.KindAuthRequired, err, "api key mismatch")
	}
	return nil
}

// WellFormedKey reports whether a string looks like a vigil-minted key.
// Used to short-circuit obviously wrong input before the bcrypt compare.
func WellFormedKey(key string) bool {
	if len(key) != len(keyPrefix)+43 { // 32 bytes base64url, unpadded
		return false
	}
	return key[:len(keyPrefix)] == keyPrefix
}
