package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing them invalidates stored hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	hashPrefix   = "argon2id"
)

// HashAPIKey hashes an API key with Argon2id. The result has the form
// argon2id$<salt>$<hash>, both base64.
func HashAPIKey(apiKey string) (string, error) {
	if apiKey == "" {
		return "", fmt.Errorf("auth: empty api key")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return strings.Join([]string{
		hashPrefix,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum),
	}, "$"), nil
}

// VerifyAPIKey reports whether apiKey matches encoded. A malformed hash is
// an error; the comparison itself is constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, want, err := parseHash(encoded)
	if err != nil {
		// Spend the same time as a real check.
		argon2.IDKey([]byte(apiKey), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
		return false, err
	}
	got := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

func parseHash(encoded string) (salt, sum []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	if salt, err = base64.StdEncoding.DecodeString(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	if sum, err = base64.StdEncoding.DecodeString(parts[2]); err != nil {
		return nil, nil, fmt.Errorf("auth: decode hash: %w", err)
	}
	if len(sum) != argonKeyLen {
		return nil, nil, fmt.Errorf("auth: hash has %d bytes, want %d", len(sum), argonKeyLen)
	}
	return salt, sum, nil
}
